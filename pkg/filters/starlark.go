package filters

import (
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/cloudsteward/steward/pkg/engine"
)

// maxStarlarkSteps bounds one evaluation.
const maxStarlarkSteps = 1_000_000

// StarlarkFilter calls a Starlark function match(resource, tags, now),
// where now is a unix timestamp in seconds.
type StarlarkFilter struct {
	Script string

	fn        starlark.Callable
	tagsField string
}

func newStarlarkFilter(p params, rt engine.ResourceType) (Node, error) {
	if err := p.only("script"); err != nil {
		return nil, err
	}
	script, err := p.requiredStr("script")
	if err != nil {
		return nil, err
	}

	thread := &starlark.Thread{
		Name:  "steward-filter",
		Print: func(*starlark.Thread, string) {},
	}
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, "filter.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark script failed: %w", err)
	}

	fn, ok := globals["match"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("starlark script must define match(resource, tags, now)")
	}
	globals.Freeze()

	return &StarlarkFilter{Script: script, fn: fn, tagsField: rt.TagsField}, nil
}

// Match implements Node.
func (f *StarlarkFilter) Match(env Env, r engine.Record) bool {
	resource, err := toStarlarkValue(map[string]interface{}(r))
	if err != nil {
		return false
	}
	tags, err := toStarlarkValue(r.Tags(f.tagsField))
	if err != nil {
		return false
	}

	thread := &starlark.Thread{
		Name:  "steward-filter",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)

	out, err := starlark.Call(thread, f.fn, starlark.Tuple{resource, tags, starlark.MakeInt64(env.Now.Unix())}, nil)
	if err != nil {
		return false
	}
	b, ok := out.(starlark.Bool)
	return ok && bool(b)
}

func (f *StarlarkFilter) String() string {
	return "starlark: match()"
}

// toStarlarkValue converts record data to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.UTC().Format(time.RFC3339)), nil
	case engine.Record:
		return toStarlarkValue(map[string]interface{}(val))
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	if f, ok := toFloat(v); ok {
		if f == float64(int64(f)) {
			return starlark.MakeInt64(int64(f)), nil
		}
		return starlark.Float(f), nil
	}

	if list, ok := toList(v); ok {
		items := make([]starlark.Value, len(list))
		for i, item := range list {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	}

	return nil, fmt.Errorf("unsupported type: %T", v)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
