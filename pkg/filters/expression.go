package filters

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Expression leaves see three variables: resource (the record), tags (its
// tags as a flat string map) and now (the run's evaluation time). Programs
// are compiled when the policy is parsed; an evaluation error or a non-bool
// result is a non-match.

func activation(env Env, r engine.Record, tagsField string) map[string]interface{} {
	return map[string]interface{}{
		"resource": map[string]interface{}(r),
		"tags":     r.Tags(tagsField),
		"now":      env.Now,
	}
}

// ExprFilter evaluates an expr-lang expression.
type ExprFilter struct {
	Expression string

	program   *vm.Program
	tagsField string
}

func newExprFilter(p params, rt engine.ResourceType) (Node, error) {
	if err := p.only("expression"); err != nil {
		return nil, err
	}
	src, err := p.requiredStr("expression")
	if err != nil {
		return nil, err
	}

	program, err := expr.Compile(src,
		expr.Env(map[string]interface{}{
			"resource": map[string]interface{}{},
			"tags":     map[string]string{},
			"now":      time.Time{},
		}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}

	return &ExprFilter{Expression: src, program: program, tagsField: rt.TagsField}, nil
}

// Match implements Node.
func (f *ExprFilter) Match(env Env, r engine.Record) bool {
	out, err := expr.Run(f.program, activation(env, r, f.tagsField))
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func (f *ExprFilter) String() string {
	return "expr: " + f.Expression
}

// CELFilter evaluates a Common Expression Language program.
type CELFilter struct {
	Expression string

	program   cel.Program
	tagsField string
}

func newCELFilter(p params, rt engine.ResourceType) (Node, error) {
	if err := p.only("expression"); err != nil {
		return nil, err
	}
	src, err := p.requiredStr("expression")
	if err != nil {
		return nil, err
	}

	env, err := cel.NewEnv(
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tags", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid CEL expression: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}

	return &CELFilter{Expression: src, program: program, tagsField: rt.TagsField}, nil
}

// Match implements Node.
func (f *CELFilter) Match(env Env, r engine.Record) bool {
	out, _, err := f.program.Eval(activation(env, r, f.tagsField))
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *CELFilter) String() string {
	return "cel: " + f.Expression
}
