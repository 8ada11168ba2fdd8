package filters

import (
	"fmt"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

// AgeFilter compares the time since a resource's date field with a
// threshold. "gt 30d" matches resources older than thirty days.
type AgeFilter struct {
	Op        string
	Threshold time.Duration
	DateField string
}

func newAgeFilter(p params, rt engine.ResourceType) (Node, error) {
	if err := p.only("op", "days", "hours", "minutes", "value"); err != nil {
		return nil, err
	}
	if rt.DateField == "" {
		return nil, fmt.Errorf("resource type %s declares no date field", rt.Name)
	}

	op, err := p.str("op")
	if err != nil {
		return nil, err
	}
	if op == "" {
		op = opGt
	}
	if op, err = normalizeOp(op); err != nil {
		return nil, err
	}
	switch op {
	case opGt, opGte, opLt, opLte:
	default:
		return nil, fmt.Errorf("age filter supports gt, gte, lt and lte, got %s", op)
	}

	threshold, err := ageThreshold(p)
	if err != nil {
		return nil, err
	}

	return &AgeFilter{Op: op, Threshold: threshold, DateField: rt.DateField}, nil
}

func ageThreshold(p params) (time.Duration, error) {
	if p.has("value") {
		if p.has("days") || p.has("hours") || p.has("minutes") {
			return 0, fmt.Errorf("value cannot be combined with days, hours or minutes")
		}
		return parseDuration(p["value"])
	}

	var total time.Duration
	units := []struct {
		key  string
		unit time.Duration
	}{{"days", 24 * time.Hour}, {"hours", time.Hour}, {"minutes", time.Minute}}
	found := false
	for _, u := range units {
		n, ok, err := p.number(u.key)
		if err != nil {
			return 0, err
		}
		if ok {
			found = true
			total += time.Duration(n * float64(u.unit))
		}
	}
	if !found {
		return 0, fmt.Errorf("age filter requires days, hours, minutes or value")
	}
	return total, nil
}

// Match implements Node.
func (f *AgeFilter) Match(env Env, r engine.Record) bool {
	v, ok := r.Lookup(f.DateField)
	if !ok {
		return false
	}
	t, ok := parseTime(v)
	if !ok {
		return false
	}
	age := env.Now.Sub(t)

	switch {
	case age > f.Threshold:
		return compareOrdered(f.Op, 1)
	case age < f.Threshold:
		return compareOrdered(f.Op, -1)
	default:
		return compareOrdered(f.Op, 0)
	}
}

func (f *AgeFilter) String() string {
	return fmt.Sprintf("age: %s %s %s", f.DateField, f.Op, f.Threshold)
}
