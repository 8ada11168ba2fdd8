package actions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudsteward/steward/pkg/engine"
)

// A parameter value of the form {type: resource, key: <path>} is read from
// the resource the action is applied to, e.g. {type: resource, key: tags.sku}.
// An optional default is used when the field is absent.
const refTypeResource = "resource"

func isReference(v interface{}) (string, interface{}, bool, bool) {
	m, ok := toStringMap(v)
	if !ok {
		return "", nil, false, false
	}
	if t, _ := m["type"].(string); t != refTypeResource {
		return "", nil, false, false
	}
	key, _ := m["key"].(string)
	def, hasDefault := m["default"]
	return key, def, hasDefault, true
}

// validateReferences rejects malformed references before a run starts.
func validateReferences(params map[string]interface{}) error {
	for name, v := range params {
		key, _, _, ok := isReference(v)
		if ok && key == "" {
			return fmt.Errorf("parameter %s: resource reference requires a key", name)
		}
	}
	return nil
}

// hasReferences reports whether any parameter depends on the resource.
func hasReferences(params map[string]interface{}) bool {
	for _, v := range params {
		if _, _, _, ok := isReference(v); ok {
			return true
		}
	}
	return false
}

// resolveParams substitutes resource references with values from r.
func resolveParams(params map[string]interface{}, r engine.Record, tagsField string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for name, v := range params {
		key, def, hasDefault, ok := isReference(v)
		if !ok {
			out[name] = v
			continue
		}
		val, found := lookup(r, key, tagsField)
		if !found {
			if !hasDefault {
				return nil, fmt.Errorf("parameter %s: resource has no field %s", name, key)
			}
			val = def
		}
		out[name] = val
	}
	return out, nil
}

func lookup(r engine.Record, key, tagsField string) (interface{}, bool) {
	if tag, ok := strings.CutPrefix(key, "tag:"); ok {
		v, found := r.Tag(tagsField, tag)
		return v, found
	}
	return r.Lookup(key)
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func numberParam(params map[string]interface{}, key string) (float64, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case float64:
		return n, true, nil
	}
	return 0, false, fmt.Errorf("%s must be a number, got %T", key, v)
}

func stringListParam(params map[string]interface{}, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch l := v.(type) {
	case string:
		return []string{l}, nil
	case []string:
		return l, nil
	case []interface{}:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be a list of strings, got %T", key, v)
}

// only rejects keys outside allowed.
func only(params map[string]interface{}, allowed ...string) error {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	var unknown []string
	for k := range params {
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
