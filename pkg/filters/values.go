package filters

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

// parseTime accepts time.Time values, common date-time strings and unix
// epochs (seconds, or milliseconds when the value is too large for seconds).
func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f), true
		}
		return time.Time{}, false
	default:
		if f, ok := toFloat(v); ok {
			return epoch(f), true
		}
		return time.Time{}, false
	}
}

func epoch(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

// parseDuration accepts a number of days, or a string with a unit. In
// addition to time.ParseDuration units, "d" (days) and "w" (weeks) are
// understood: "30d", "1.5d", "2w", "720h".
func parseDuration(v interface{}) (time.Duration, error) {
	if f, ok := toFloat(v); ok {
		return time.Duration(f * float64(24*time.Hour)), nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("duration must be a number of days or a string, got %T", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := map[byte]time.Duration{'d': 24 * time.Hour, 'w': 7 * 24 * time.Hour}
	if mult, ok := unit[s[len(s)-1]]; ok {
		f, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(f * float64(mult)), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// toFloat converts numeric values. Strings are not numbers here.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// numeric converts numbers and numeric strings.
func numeric(v interface{}) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// compare orders a and b. ok is false when they are not comparable.
func compare(a, b interface{}) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}

	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		if !aNum {
			fa, aNum = numeric(a)
		}
		if !bNum {
			fb, bNum = numeric(b)
		}
		if !aNum || !bNum {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// equal reports loose equality: numbers by value, everything else deeply.
func equal(a, b interface{}) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
		if sb, ok := b.(string); ok {
			parsed, err := strconv.ParseBool(sb)
			return err == nil && parsed == ba
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// isEmpty reports whether v is null or a zero-length/zero value.
func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case bool:
		return !t
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	if f, ok := toFloat(v); ok {
		return f == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// length returns the size of strings and collections.
func length(v interface{}) (int, bool) {
	switch t := v.(type) {
	case string:
		return len(t), true
	case []interface{}:
		return len(t), true
	case map[string]interface{}:
		return len(t), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len(), true
	}
	return 0, false
}

// toList returns v as a slice of values.
func toList(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}
