package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is one resource as returned by the provider, in the provider's
// native shape. Records are treated as read-only once a fetch returns them.
type Record map[string]interface{}

// ID returns the record's id as a string, or "" if the field is absent.
func (r Record) ID(idField string) string {
	v, ok := r.Lookup(idField)
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

// Lookup resolves a dotted field path. Segments may index lists either as
// "items.0" or "items[0]". The boolean reports whether the field exists,
// which distinguishes an absent field from one explicitly set to null.
func (r Record) Lookup(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(r)
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Record:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Tags returns the record's tags as a flat map. The AWS list form
// [{"Key": k, "Value": v}] and the plain map form are both accepted.
func (r Record) Tags(tagsField string) map[string]string {
	if tagsField == "" {
		tagsField = "Tags"
	}
	raw, ok := r.Lookup(tagsField)
	if !ok || raw == nil {
		return map[string]string{}
	}
	out := make(map[string]string)
	switch t := raw.(type) {
	case []interface{}:
		for _, item := range t {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			k, _ := m["Key"].(string)
			if k == "" {
				k, _ = m["key"].(string)
			}
			if k == "" {
				continue
			}
			v := m["Value"]
			if v == nil {
				v = m["value"]
			}
			out[k] = stringify(v)
		}
	case map[string]interface{}:
		for k, v := range t {
			out[k] = stringify(v)
		}
	case map[string]string:
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

// Tag returns a single tag value.
func (r Record) Tag(tagsField, key string) (string, bool) {
	v, ok := r.Tags(tagsField)[key]
	return v, ok
}

// Clone returns a shallow copy of the record. Nested values are shared and
// must not be modified.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with the fields of extra laid over it.
func (r Record) Merge(extra Record) Record {
	out := r.Clone()
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
