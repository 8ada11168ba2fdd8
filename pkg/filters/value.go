package filters

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Value coercions.
const (
	valueTypeNormalize  = "normalize"
	valueTypeInteger    = "integer"
	valueTypeSize       = "size"
	valueTypeAge        = "age"
	valueTypeExpiration = "expiration"
	valueTypeDate       = "date"
	valueTypeSwap       = "swap"
)

var valueTypes = map[string]bool{
	valueTypeNormalize:  true,
	valueTypeInteger:    true,
	valueTypeSize:       true,
	valueTypeAge:        true,
	valueTypeExpiration: true,
	valueTypeDate:       true,
	valueTypeSwap:       true,
}

// Values that select a presence operator when given without an op.
var presenceValues = map[string]string{
	"absent":   opAbsent,
	"present":  opPresent,
	"not-null": opNotNull,
	"empty":    opEmpty,
}

// ValueFilter compares a record field against a literal or another field.
//
// Comparisons against an absent field are false for every operator except
// the presence operators (absent, present, not-null, empty), so "missing"
// and "present but falsy" stay distinguishable.
type ValueFilter struct {
	Key        string
	Op         string
	Value      interface{}
	ValueType  string
	ValueField string

	field fieldRef
	other fieldRef
	re    *regexp.Regexp
}

func newValueFilter(p params, rt engine.ResourceType) (Node, error) {
	if err := p.only("key", "op", "value", "value_type", "value_field"); err != nil {
		return nil, err
	}
	key, err := p.requiredStr("key")
	if err != nil {
		return nil, err
	}
	f := &ValueFilter{Key: key, Value: p["value"], field: newFieldRef(key, rt)}

	if f.ValueType, err = p.str("value_type"); err != nil {
		return nil, err
	}
	if f.ValueType != "" && !valueTypes[f.ValueType] {
		return nil, fmt.Errorf("unknown value_type %q", f.ValueType)
	}
	if f.ValueField, err = p.str("value_field"); err != nil {
		return nil, err
	}
	if f.ValueField != "" {
		if p.has("value") {
			return nil, fmt.Errorf("value and value_field are mutually exclusive")
		}
		f.other = newFieldRef(f.ValueField, rt)
	}

	op, err := p.str("op")
	if err != nil {
		return nil, err
	}
	if op == "" {
		op = opEq
		if s, ok := f.Value.(string); ok && f.ValueField == "" {
			if presence, ok := presenceValues[s]; ok {
				op = presence
				f.Value = nil
			}
		}
	}
	if f.Op, err = normalizeOp(op); err != nil {
		return nil, err
	}

	if err := f.validate(p); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ValueFilter) validate(p params) error {
	switch f.Op {
	case opAbsent, opPresent, opNotNull, opEmpty:
		return nil
	}

	if f.ValueField == "" && !p.has("value") {
		return fmt.Errorf("operator %s requires value or value_field", f.Op)
	}
	if f.ValueField != "" {
		return nil
	}

	switch f.Op {
	case opIn, opNotIn:
		if _, ok := toList(f.Value); !ok {
			return fmt.Errorf("operator %s requires a list value", f.Op)
		}
	case opRegex:
		s, ok := f.Value.(string)
		if !ok {
			return fmt.Errorf("regex value must be a string")
		}
		// Anchored at the start, like a match rather than a search.
		re, err := regexp.Compile("^(?:" + s + ")")
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", s, err)
		}
		f.re = re
	}

	switch f.ValueType {
	case valueTypeAge, valueTypeExpiration:
		if _, err := parseDuration(f.Value); err != nil {
			return fmt.Errorf("value_type %s: %w", f.ValueType, err)
		}
	case valueTypeDate:
		if _, ok := parseTime(f.Value); !ok {
			return fmt.Errorf("value_type date: cannot parse %v", f.Value)
		}
	case valueTypeInteger, valueTypeSize:
		if !allNumeric(f.Value) {
			return fmt.Errorf("value_type %s requires numeric values", f.ValueType)
		}
	}
	return nil
}

func allNumeric(v interface{}) bool {
	if list, ok := toList(v); ok {
		for _, e := range list {
			if _, ok := numeric(e); !ok {
				return false
			}
		}
		return true
	}
	_, ok := numeric(v)
	return ok
}

// Match implements Node.
func (f *ValueFilter) Match(env Env, r engine.Record) bool {
	got, present := f.field.lookup(r)

	switch f.Op {
	case opAbsent:
		return !present
	case opPresent:
		return present
	case opNotNull:
		return present && got != nil
	case opEmpty:
		return !present || isEmpty(got)
	}

	if !present {
		return false
	}

	want := f.Value
	if f.ValueField != "" {
		other, ok := f.other.lookup(r)
		if !ok {
			return false
		}
		want = other
	}

	a, ok := f.coerceResource(env, got)
	if !ok {
		return false
	}
	b, ok := f.coerceLiteral(env, want)
	if !ok {
		return false
	}
	if f.ValueType == valueTypeSwap {
		a, b = b, a
	}

	return f.apply(a, b)
}

func (f *ValueFilter) apply(a, b interface{}) bool {
	switch f.Op {
	case opEq:
		return equal(a, b)
	case opNe:
		return !equal(a, b)
	case opGt, opGte, opLt, opLte:
		c, ok := compare(a, b)
		return ok && compareOrdered(f.Op, c)
	case opIn:
		list, ok := toList(b)
		return ok && containsValue(list, a)
	case opNotIn:
		list, ok := toList(b)
		return ok && !containsValue(list, a)
	case opContains:
		switch t := a.(type) {
		case string:
			s, ok := b.(string)
			return ok && strings.Contains(t, s)
		case map[string]interface{}:
			s, ok := b.(string)
			if !ok {
				return false
			}
			_, found := t[s]
			return found
		}
		list, ok := toList(a)
		return ok && containsValue(list, b)
	case opRegex:
		s, ok := a.(string)
		if !ok {
			return false
		}
		re := f.re
		if re == nil {
			pattern, ok := b.(string)
			if !ok {
				return false
			}
			var err error
			if re, err = regexp.Compile("^(?:" + pattern + ")"); err != nil {
				return false
			}
		}
		return re.MatchString(s)
	}
	return false
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, e := range list {
		if equal(e, v) {
			return true
		}
	}
	return false
}

// coerceResource converts the record side of the comparison.
func (f *ValueFilter) coerceResource(env Env, v interface{}) (interface{}, bool) {
	switch f.ValueType {
	case valueTypeNormalize:
		return normalize(v), true
	case valueTypeInteger:
		n, ok := numeric(v)
		return float64(int64(n)), ok
	case valueTypeSize:
		n, ok := length(v)
		return float64(n), ok
	case valueTypeAge:
		t, ok := parseTime(v)
		if !ok {
			return nil, false
		}
		return days(env.Now.Sub(t)), true
	case valueTypeExpiration:
		t, ok := parseTime(v)
		if !ok {
			return nil, false
		}
		return days(t.Sub(env.Now)), true
	case valueTypeDate:
		t, ok := parseTime(v)
		return t, ok
	}
	return v, true
}

// coerceLiteral converts the value side of the comparison.
func (f *ValueFilter) coerceLiteral(env Env, v interface{}) (interface{}, bool) {
	if list, ok := toList(v); ok && (f.Op == opIn || f.Op == opNotIn) {
		out := make([]interface{}, 0, len(list))
		for _, e := range list {
			c, ok := f.coerceScalar(e)
			if !ok {
				return nil, false
			}
			out = append(out, c)
		}
		return out, true
	}
	return f.coerceScalar(v)
}

func (f *ValueFilter) coerceScalar(v interface{}) (interface{}, bool) {
	switch f.ValueType {
	case valueTypeNormalize:
		return normalize(v), true
	case valueTypeInteger:
		n, ok := numeric(v)
		return float64(int64(n)), ok
	case valueTypeSize:
		n, ok := numeric(v)
		return n, ok
	case valueTypeAge, valueTypeExpiration:
		d, err := parseDuration(v)
		if err != nil {
			return nil, false
		}
		return days(d), true
	case valueTypeDate:
		t, ok := parseTime(v)
		return t, ok
	}
	return v, true
}

func normalize(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return v
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}

func (f *ValueFilter) String() string {
	switch f.Op {
	case opAbsent, opPresent, opNotNull, opEmpty:
		return fmt.Sprintf("value: %s %s", f.Key, f.Op)
	}
	rhs := fmt.Sprintf("%v", f.Value)
	if f.ValueField != "" {
		rhs = "field " + f.ValueField
	}
	if f.ValueType != "" {
		return fmt.Sprintf("value: %s %s %s (%s)", f.Key, f.Op, rhs, f.ValueType)
	}
	return fmt.Sprintf("value: %s %s %s", f.Key, f.Op, rhs)
}
