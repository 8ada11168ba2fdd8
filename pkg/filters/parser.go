package filters

import (
	"fmt"
	"sort"

	"github.com/cloudsteward/steward/pkg/engine"
)

type leafFactory func(p params, rt engine.ResourceType) (Node, error)

var leaves = map[string]leafFactory{
	"value":         newValueFilter,
	"age":           newAgeFilter,
	"marked-for-op": newMarkedForOpFilter,
	"offhour":       newTimeFilter("offhour"),
	"onhour":        newTimeFilter("onhour"),
	"expr":          newExprFilter,
	"cel":           newCELFilter,
	"rego":          newRegoFilter,
	"starlark":      newStarlarkFilter,
}

// Types returns the supported leaf types.
func Types() []string {
	out := make([]string, 0, len(leaves))
	for name := range leaves {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parse builds and validates the filter tree of a policy. Top-level entries
// are combined with and; an empty list matches everything. Every failure is
// a SchemaError naming the offending node.
func Parse(raw []interface{}, rt engine.ResourceType) (Node, error) {
	if len(raw) == 0 {
		return MatchAll{}, nil
	}
	nodes, err := parseList(raw, rt, "filters")
	if err != nil {
		return nil, err
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &And{Nodes: nodes}, nil
}

func parseList(raw []interface{}, rt engine.ResourceType, path string) ([]Node, error) {
	nodes := make([]Node, 0, len(raw))
	for i, item := range raw {
		n, err := parseNode(item, rt, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseNode(raw interface{}, rt engine.ResourceType, path string) (Node, error) {
	m, ok := toStringMap(raw)
	if !ok {
		return nil, schemaError(path, fmt.Errorf("filter must be a mapping, got %T", raw))
	}

	for _, key := range []string{"and", "or", "not"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		if len(m) != 1 {
			return nil, schemaError(path, fmt.Errorf("%q cannot be combined with other keys", key))
		}
		return parseCombinator(key, v, rt, path+"."+key)
	}

	if t, ok := m["type"]; ok {
		name, ok := t.(string)
		if !ok {
			return nil, schemaError(path, fmt.Errorf("type must be a string"))
		}
		factory, ok := leaves[name]
		if !ok {
			return nil, schemaError(path, fmt.Errorf("unknown filter type %q", name))
		}
		n, err := factory(params(m), rt)
		if err != nil {
			return nil, schemaError(path, fmt.Errorf("%s filter: %w", name, err))
		}
		return n, nil
	}

	// {"tag:Environment": "dev"} is a value filter.
	if len(m) != 1 {
		return nil, schemaError(path, fmt.Errorf("filter without type must have exactly one key"))
	}
	for k, v := range m {
		n, err := newValueFilter(params{"key": k, "value": v}, rt)
		if err != nil {
			return nil, schemaError(path, fmt.Errorf("value filter: %w", err))
		}
		return n, nil
	}
	return nil, schemaError(path, fmt.Errorf("empty filter"))
}

func parseCombinator(key string, v interface{}, rt engine.ResourceType, path string) (Node, error) {
	list, isList := v.([]interface{})

	if key == "not" {
		if !isList {
			child, err := parseNode(v, rt, path)
			if err != nil {
				return nil, err
			}
			return &Not{Node: child}, nil
		}
		children, err := parseList(list, rt, path)
		if err != nil {
			return nil, err
		}
		switch len(children) {
		case 0:
			return nil, schemaError(path, fmt.Errorf("not requires a child"))
		case 1:
			return &Not{Node: children[0]}, nil
		default:
			return &Not{Node: &And{Nodes: children}}, nil
		}
	}

	if !isList {
		return nil, schemaError(path, fmt.Errorf("%s requires a list", key))
	}
	if len(list) == 0 {
		return nil, schemaError(path, fmt.Errorf("%s requires at least one child", key))
	}
	children, err := parseList(list, rt, path)
	if err != nil {
		return nil, err
	}
	if key == "and" {
		return &And{Nodes: children}, nil
	}
	return &Or{Nodes: children}, nil
}

func toStringMap(raw interface{}) (map[string]interface{}, bool) {
	switch m := raw.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = v
		}
		return out, true
	}
	return nil, false
}

func schemaError(path string, err error) error {
	return engine.NewSchemaError(fmt.Sprintf("invalid filter at %s", path), err)
}
