package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// Guardrails evaluates Rego rules against policy documents before they run.
type Guardrails struct {
	mu     sync.RWMutex
	rules  map[string]*compiledGuardrail
	logger *telemetry.Logger
}

type compiledGuardrail struct {
	guardrail Guardrail
	query     rego.PreparedEvalQuery
}

// NewGuardrails creates an engine loaded with the built-in guardrails.
func NewGuardrails(ctx context.Context, logger *telemetry.Logger) (*Guardrails, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	g := &Guardrails{
		rules:  make(map[string]*compiledGuardrail),
		logger: logger.NewComponentLogger("guardrails"),
	}
	for _, gr := range BuiltinGuardrails() {
		if err := g.Add(ctx, gr); err != nil {
			return nil, fmt.Errorf("failed to compile built-in guardrail %s: %w", gr.Name, err)
		}
	}
	return g, nil
}

// Add compiles and registers a guardrail, replacing one with the same name.
func (g *Guardrails) Add(ctx context.Context, gr Guardrail) error {
	if gr.Name == "" {
		return fmt.Errorf("guardrail name is required")
	}
	if gr.Severity == "" {
		gr.Severity = SeverityWarning
	}
	query := fmt.Sprintf("data.%s.deny", regoPackage(gr.Rego))
	prepared, err := rego.New(
		rego.Module(gr.Name+".rego", gr.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare guardrail %s: %w", gr.Name, err)
	}

	g.mu.Lock()
	g.rules[gr.Name] = &compiledGuardrail{guardrail: gr, query: prepared}
	g.mu.Unlock()

	g.logger.WithField("guardrail", gr.Name).Debug("Guardrail compiled")
	return nil
}

// LoadDir adds every .rego file in dir as an enabled guardrail named after
// the file. Severity defaults to warning; objects in the deny set can raise
// it per violation.
func (g *Guardrails) LoadDir(ctx context.Context, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return fmt.Errorf("failed to list guardrails: %w", err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read guardrail: %w", err)
		}
		gr := Guardrail{
			Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
			Severity: SeverityWarning,
			Enabled:  true,
			Rego:     string(data),
		}
		if err := g.Add(ctx, gr); err != nil {
			return err
		}
	}
	g.logger.WithField("count", len(matches)).WithField("dir", dir).Info("Guardrails loaded")
	return nil
}

// SetEnabled enables or disables a guardrail by name.
func (g *Guardrails) SetEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cg, ok := g.rules[name]
	if !ok {
		return fmt.Errorf("guardrail not found: %s", name)
	}
	cg.guardrail.Enabled = enabled
	return nil
}

// List returns the registered guardrails sorted by name.
func (g *Guardrails) List() []Guardrail {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Guardrail, 0, len(g.rules))
	for _, cg := range g.rules {
		out = append(out, cg.guardrail)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate runs every enabled guardrail against p. A guardrail that fails
// to evaluate is reported as a warning.
func (g *Guardrails) Evaluate(ctx context.Context, p *Policy) (*Report, error) {
	input := map[string]interface{}{"policy": Document(p)}

	g.mu.RLock()
	rules := make([]*compiledGuardrail, 0, len(g.rules))
	for _, cg := range g.rules {
		if cg.guardrail.Enabled {
			rules = append(rules, cg)
		}
	}
	g.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].guardrail.Name < rules[j].guardrail.Name })

	report := &Report{Allowed: true}
	for _, cg := range rules {
		rs, err := cg.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.WithError(err).WithField("guardrail", cg.guardrail.Name).Warn("Guardrail evaluation failed")
			report.Warnings = append(report.Warnings, Violation{
				Guardrail: cg.guardrail.Name,
				Policy:    p.Name,
				Message:   fmt.Sprintf("evaluation failed: %v", err),
				Severity:  SeverityWarning,
			})
			continue
		}

		for _, result := range rs {
			if len(result.Expressions) == 0 {
				continue
			}
			set, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range set {
				v := newViolation(cg.guardrail, p.Name, d)
				if v.Severity == SeverityError {
					report.Allowed = false
					report.Violations = append(report.Violations, v)
				} else {
					report.Warnings = append(report.Warnings, v)
				}
			}
		}
	}
	return report, nil
}

// Enforce evaluates p and returns a SchemaError when an error-severity
// guardrail denies it.
func (g *Guardrails) Enforce(ctx context.Context, p *Policy) (*Report, error) {
	report, err := g.Evaluate(ctx, p)
	if err != nil {
		return nil, err
	}
	if report.Allowed {
		return report, nil
	}
	msgs := make([]string, len(report.Violations))
	for i, v := range report.Violations {
		msgs[i] = v.Guardrail + ": " + v.Message
	}
	return report, engine.NewSchemaError(
		fmt.Sprintf("policy %q violates guardrails", p.Name),
		fmt.Errorf("%s", strings.Join(msgs, "; ")),
	)
}

func newViolation(gr Guardrail, policy string, d interface{}) Violation {
	v := Violation{Guardrail: gr.Name, Policy: policy, Severity: gr.Severity}
	switch val := d.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		v.Message, _ = val["message"].(string)
		if sev, ok := val["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprint(d)
	}
	return v
}

// Document returns the normalized form of p that guardrails see: bare
// action names become {type: name} objects and absent lists are empty.
func Document(p *Policy) map[string]interface{} {
	actions := make([]interface{}, 0, len(p.Actions))
	for _, a := range p.Actions {
		if name, ok := a.(string); ok {
			actions = append(actions, map[string]interface{}{"type": name})
			continue
		}
		actions = append(actions, a)
	}
	filters := p.Filters
	if filters == nil {
		filters = []interface{}{}
	}
	regions := make([]interface{}, len(p.Regions))
	for i, r := range p.Regions {
		regions[i] = r
	}
	tags := make([]interface{}, len(p.Tags))
	for i, t := range p.Tags {
		tags[i] = t
	}
	doc := map[string]interface{}{
		"name":     p.Name,
		"resource": p.Resource,
		"filters":  filters,
		"actions":  actions,
		"mode":     p.Mode.EffectiveType(),
		"regions":  regions,
		"tags":     tags,
	}
	if p.Query != nil {
		doc["query"] = p.Query
	}
	return doc
}

func regoPackage(module string) string {
	for _, line := range strings.Split(module, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "steward.guardrails"
}
