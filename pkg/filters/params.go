package filters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudsteward/steward/pkg/engine"
)

// params is the raw parameter mapping of one leaf.
type params map[string]interface{}

func (p params) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p params) str(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func (p params) requiredStr(key string) (string, error) {
	s, err := p.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func (p params) number(key string) (float64, bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	f, ok := numeric(v)
	if !ok {
		return 0, false, fmt.Errorf("%s must be a number, got %v", key, v)
	}
	return f, true, nil
}

func (p params) boolean(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}

// only rejects keys outside allowed. "type" is always allowed.
func (p params) only(allowed ...string) error {
	set := map[string]bool{"type": true}
	for _, a := range allowed {
		set[a] = true
	}
	var unknown []string
	for k := range p {
		if !set[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown parameters: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Operators.
const (
	opEq       = "eq"
	opNe       = "ne"
	opGt       = "gt"
	opGte      = "gte"
	opLt       = "lt"
	opLte      = "lte"
	opIn       = "in"
	opNotIn    = "not-in"
	opContains = "contains"
	opRegex    = "regex"
	opAbsent   = "absent"
	opPresent  = "present"
	opNotNull  = "not-null"
	opEmpty    = "empty"
)

var opAliases = map[string]string{
	"eq": opEq, "equal": opEq,
	"ne": opNe, "not-equal": opNe,
	"gt": opGt, "greater-than": opGt,
	"gte": opGte, "ge": opGte,
	"lt": opLt, "less-than": opLt,
	"lte": opLte, "le": opLte,
	"in": opIn,
	"not-in": opNotIn, "ni": opNotIn,
	"contains": opContains,
	"regex": opRegex,
	"absent": opAbsent,
	"present": opPresent,
	"not-null": opNotNull,
	"empty": opEmpty,
}

func normalizeOp(op string) (string, error) {
	canonical, ok := opAliases[strings.ToLower(op)]
	if !ok {
		return "", fmt.Errorf("unknown operator %q", op)
	}
	return canonical, nil
}

// compareOrdered applies an ordering operator to the result of compare.
func compareOrdered(op string, c int) bool {
	switch op {
	case opEq:
		return c == 0
	case opNe:
		return c != 0
	case opGt:
		return c > 0
	case opGte:
		return c >= 0
	case opLt:
		return c < 0
	case opLte:
		return c <= 0
	}
	return false
}

// fieldRef resolves a record field, treating "tag:Key" and "tag.Key" as
// tag lookups through the resource type's tags field.
type fieldRef struct {
	path      string
	tagKey    string
	tagsField string
}

func newFieldRef(key string, rt engine.ResourceType) fieldRef {
	ref := fieldRef{path: key, tagsField: rt.TagsField}
	switch {
	case strings.HasPrefix(key, "tag:"):
		ref.tagKey = strings.TrimPrefix(key, "tag:")
	case strings.HasPrefix(key, "tag."):
		ref.tagKey = strings.TrimPrefix(key, "tag.")
	}
	return ref
}

func (f fieldRef) lookup(r engine.Record) (interface{}, bool) {
	if f.tagKey != "" {
		v, ok := r.Tag(f.tagsField, f.tagKey)
		if !ok {
			return nil, false
		}
		return v, true
	}
	return r.Lookup(f.path)
}
