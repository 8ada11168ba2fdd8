package actions

import (
	"fmt"
)

// Spec is one entry of a policy's action list.
type Spec struct {
	// Type is the action name: a built-in or a provider operation.
	Type string `json:"type" yaml:"type" validate:"required"`

	// Params holds every key of the entry that is not reserved.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`

	// Idempotent allows retrying timeout-class failures. Non-idempotent
	// actions are retried only when the provider throttled the call.
	Idempotent bool `json:"idempotent" yaml:"idempotent"`

	// DryRunCapable marks actions that can report would-apply in a dry run.
	// Others are recorded as skipped.
	DryRunCapable bool `json:"dry_run_capable" yaml:"dry_run_capable"`

	// Batch applies the action through one bulk call per target when the
	// client supports it.
	Batch bool `json:"batch,omitempty" yaml:"batch,omitempty"`
}

// Keys of a raw action entry that are not passed to the action.
const (
	keyType          = "type"
	keyIdempotent    = "idempotent"
	keyDryRunCapable = "dry_run"
	keyBatch         = "batch"
)

// ParseSpec decodes one raw action entry. A bare string names an action
// without parameters. Flags default to idempotent=false, dry_run=true and
// batch=false.
func ParseSpec(raw interface{}) (Spec, error) {
	spec := Spec{DryRunCapable: true, Params: map[string]interface{}{}}

	if name, ok := raw.(string); ok {
		if name == "" {
			return Spec{}, fmt.Errorf("action name is empty")
		}
		spec.Type = name
		return spec, nil
	}

	m, ok := toStringMap(raw)
	if !ok {
		return Spec{}, fmt.Errorf("action must be a string or a mapping, got %T", raw)
	}

	name, ok := m[keyType].(string)
	if !ok || name == "" {
		return Spec{}, fmt.Errorf("action requires a type")
	}
	spec.Type = name

	flags := []struct {
		key string
		dst *bool
	}{
		{keyIdempotent, &spec.Idempotent},
		{keyDryRunCapable, &spec.DryRunCapable},
		{keyBatch, &spec.Batch},
	}
	for _, f := range flags {
		v, ok := m[f.key]
		if !ok {
			continue
		}
		b, ok := v.(bool)
		if !ok {
			return Spec{}, fmt.Errorf("action %s: %s must be a boolean", name, f.key)
		}
		*f.dst = b
	}

	for k, v := range m {
		switch k {
		case keyType, keyIdempotent, keyDryRunCapable, keyBatch:
			continue
		}
		spec.Params[k] = v
	}

	return spec, nil
}

// ParseSpecs decodes a policy's action list.
func ParseSpecs(raw []interface{}) ([]Spec, error) {
	specs := make([]Spec, 0, len(raw))
	for i, item := range raw {
		spec, err := ParseSpec(item)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
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
