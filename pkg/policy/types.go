package policy

import (
	"github.com/cloudsteward/steward/pkg/engine"
)

// Execution modes. The engine runs every mode the same way; the mode tells
// an external scheduler how the policy is meant to be triggered.
const (
	// ModePull runs the policy on demand, fetching resources by listing.
	ModePull = "pull"

	// ModePeriodic runs the policy on a schedule.
	ModePeriodic = "periodic"

	// ModeEvent runs the policy in response to provider events.
	ModeEvent = "event"
)

// Policy is one governance rule: which resources to fetch, how to narrow
// them and what to do with the ones that match.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Resource is the resource-type name, with or without provider prefix.
	Resource string `json:"resource" yaml:"resource" validate:"required"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Filters is the raw filter list. An empty list matches everything.
	Filters []interface{} `json:"filters,omitempty" yaml:"filters,omitempty"`

	// Actions is the raw, ordered action list.
	Actions []interface{} `json:"actions,omitempty" yaml:"actions,omitempty"`

	// Query holds provider query parameters passed to the listing call.
	Query map[string]interface{} `json:"query,omitempty" yaml:"query,omitempty"`

	// Mode describes how the policy is triggered.
	Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Regions restricts the run to these regions. Empty uses the
	// configured defaults.
	Regions []string `json:"regions,omitempty" yaml:"regions,omitempty" validate:"dive,required"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"-" yaml:"-"`
}

// Mode is the execution mode block of a policy.
type Mode struct {
	// Type is one of ModePull, ModePeriodic or ModeEvent.
	Type string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=pull periodic event"`

	// Schedule is a schedule expression for periodic policies.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty" validate:"required_if=Type periodic"`

	// Events names the provider events that trigger an event policy.
	Events []string `json:"events,omitempty" yaml:"events,omitempty" validate:"required_if=Type event"`
}

// EffectiveType returns the mode type, defaulting to ModePull.
func (m Mode) EffectiveType() string {
	if m.Type == "" {
		return ModePull
	}
	return m.Type
}

// File is the top-level shape of a policy document.
type File struct {
	Policies []Policy `json:"policies" yaml:"policies" validate:"dive"`
}

// EngineQuery returns the policy's query parameters as an engine query.
func (p *Policy) EngineQuery() engine.Query {
	if len(p.Query) == 0 {
		return nil
	}
	return engine.Query(p.Query)
}

// Severity is the severity of a guardrail violation.
type Severity string

const (
	// SeverityWarning violations are reported but do not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError violations reject the policy at validation.
	SeverityError Severity = "error"
)

// Guardrail is a Rego rule set evaluated against every policy document.
// Its package must define a "deny" set whose members are either strings or
// objects with message and optional severity.
type Guardrail struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity `json:"severity" yaml:"severity" validate:"oneof=warning error"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Rego        string   `json:"rego" yaml:"rego" validate:"required"`
}

// Violation is one guardrail finding.
type Violation struct {
	Guardrail string   `json:"guardrail"`
	Policy    string   `json:"policy"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// Report is the result of evaluating guardrails against one policy.
type Report struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`
}
