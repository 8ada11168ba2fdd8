package actions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// call is one action applied to one resource.
type call struct {
	client engine.ProviderClient
	rtype  engine.ResourceType
	target engine.Target
	id     string
	record engine.Record
	params map[string]interface{}
	now    time.Time

	runID  string
	policy string
	events *telemetry.EventPublisher
}

// handler performs an action against one resource.
type handler interface {
	apply(ctx context.Context, c *call) (map[string]interface{}, error)
}

// batchHandler performs an action against many resources in one call.
type batchHandler interface {
	handler
	applyBatch(ctx context.Context, client engine.BatchMutator, req engine.BatchMutateRequest) ([]engine.BatchResult, error)
}

// builder validates a spec and returns its handler. Errors are reported as
// schema errors by Compile.
type builder func(spec Spec, rt engine.ResourceType) (handler, error)

// builtins is filled in init because mark-for-op consults it.
var builtins map[string]builder

func init() {
	builtins = map[string]builder{
		"tag":         newTagAction,
		"remove-tag":  newRemoveTagAction,
		"mark-for-op": newMarkForOpAction,
		"unmark":      newUnmarkAction,
		"notify":      newNotifyAction,
	}
}

// Builtins returns the names of the built-in actions.
func Builtins() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Step is a compiled action ready to run.
type Step struct {
	Spec  Spec
	Index int

	impl handler
}

// Plan is the compiled action list of a policy.
type Plan struct {
	ResourceType engine.ResourceType
	Steps        []Step
}

// Compile validates specs against rt. Built-in actions take precedence
// over provider operations of the same name.
func Compile(specs []Spec, rt engine.ResourceType) (*Plan, error) {
	plan := &Plan{ResourceType: rt, Steps: make([]Step, 0, len(specs))}
	for i, spec := range specs {
		build, ok := builtins[spec.Type]
		if !ok {
			if !rt.SupportsAction(spec.Type) {
				return nil, engine.NewSchemaError(
					fmt.Sprintf("invalid action at actions[%d]", i),
					fmt.Errorf("action %q is not supported by resource type %s", spec.Type, rt.Name),
				)
			}
			build = newProviderAction
		}
		impl, err := build(spec, rt)
		if err != nil {
			return nil, engine.NewSchemaError(
				fmt.Sprintf("invalid action at actions[%d]", i),
				fmt.Errorf("%s: %w", spec.Type, err),
			)
		}
		plan.Steps = append(plan.Steps, Step{Spec: spec, Index: i, impl: impl})
	}
	return plan, nil
}

// Names returns the action types in declared order.
func (p *Plan) Names() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Spec.Type
	}
	return out
}
