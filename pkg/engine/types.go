package engine

import (
	"time"
)

// ResourceType describes one resource kind a provider exposes.
// Descriptors are registered once at startup and never mutated.
type ResourceType struct {
	// Name is the registry key (e.g., "aws.ec2", "azure.appserviceplan").
	Name string `json:"name"`

	// Provider is the owning provider namespace (e.g., "aws").
	Provider string `json:"provider"`

	// IDField is the record field holding the unique resource id.
	IDField string `json:"id_field"`

	// DateField is the creation/modification timestamp field, if any.
	// Age filters are rejected at validation when it is empty.
	DateField string `json:"date_field,omitempty"`

	// TagsField is the record field holding tags. Both the list form
	// ([{Key, Value}]) and the map form ({key: value}) are understood.
	TagsField string `json:"tags_field,omitempty"`

	// Dimensions are additional identifying fields (e.g., metrics dimensions).
	Dimensions []string `json:"dimensions,omitempty"`

	// Enrich requests a describe call per resource after listing.
	Enrich bool `json:"enrich,omitempty"`

	// Actions lists the provider operations this type supports.
	Actions []string `json:"actions,omitempty"`
}

// SupportsAction reports whether op is a declared provider operation.
func (rt ResourceType) SupportsAction(op string) bool {
	for _, a := range rt.Actions {
		if a == op {
			return true
		}
	}
	return false
}

// Target identifies one independent fetch/act unit: an account (or
// subscription/project) in a region.
type Target struct {
	Account string `json:"account"`
	Region  string `json:"region"`
}

// String returns "account/region".
func (t Target) String() string {
	return t.Account + "/" + t.Region
}

// Query holds provider query parameters for a listing call.
type Query map[string]interface{}

// Warning records a degraded but non-fatal condition.
type Warning struct {
	ResourceID string `json:"resource_id,omitempty"`
	Phase      Phase  `json:"phase"`
	Message    string `json:"message"`
}

// ResourceSet is the product of one fetch: records in first-seen order plus
// any enrichment warnings raised while building them.
type ResourceSet struct {
	Records  []Record  `json:"records"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// IDs returns the ids of the records using the given id field.
func (s *ResourceSet) IDs(idField string) []string {
	ids := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		ids = append(ids, r.ID(idField))
	}
	return ids
}

// Clock returns the current time. Injected so runs are reproducible.
type Clock func() time.Time

// ExecContext carries everything one unit of work needs. It replaces any
// ambient session or global state.
type ExecContext struct {
	// Client is an already-authenticated provider client for Target.
	Client ProviderClient

	// Target is the account/region this context operates on.
	Target Target

	// Concurrency bounds parallel provider calls issued within the unit.
	Concurrency int

	// CallTimeout bounds each individual provider call. Zero disables it.
	CallTimeout time.Duration

	// Clock supplies "now". Defaults to time.Now.
	Clock Clock

	// DryRun stops actions before their mutating call.
	DryRun bool
}

// Now returns the context's current time.
func (ec *ExecContext) Now() time.Time {
	if ec == nil || ec.Clock == nil {
		return time.Now()
	}
	return ec.Clock()
}

// Workers returns the effective concurrency limit.
func (ec *ExecContext) Workers() int {
	if ec == nil || ec.Concurrency <= 0 {
		return 1
	}
	return ec.Concurrency
}

// ActionOutcome is the result of one action applied to one resource.
type ActionOutcome struct {
	// Action is the action type name.
	Action string `json:"action"`

	// Index is the action's position in the policy's action list.
	Index int `json:"index"`

	// ResourceID is the affected resource.
	ResourceID string `json:"resource_id"`

	// Target is the unit the resource belongs to.
	Target Target `json:"target"`

	// Status is the outcome.
	Status OutcomeStatus `json:"status"`

	// Attempts is the number of provider calls made.
	Attempts int `json:"attempts,omitempty"`

	// Message carries skip reasons or error text.
	Message string `json:"message,omitempty"`

	// Output is provider-returned data, if any.
	Output map[string]interface{} `json:"output,omitempty"`
}

// RunError is an error recorded in an execution result, tagged with the
// resource and phase it belongs to.
type RunError struct {
	ResourceID string     `json:"resource_id,omitempty"`
	Phase      Phase      `json:"phase"`
	Class      ErrorClass `json:"class"`
	Code       string     `json:"code,omitempty"`
	Message    string     `json:"message"`
	Target     *Target    `json:"target,omitempty"`
	Err        error      `json:"-"`
}

// NewRunError builds a RunError from err.
func NewRunError(phase Phase, resourceID string, err error) RunError {
	return RunError{
		ResourceID: resourceID,
		Phase:      phase,
		Class:      Classify(err),
		Code:       CodeOf(err),
		Message:    err.Error(),
		Err:        err,
	}
}

// ExecutionResult is the structured product of a policy run.
type ExecutionResult struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// Policy is the policy name.
	Policy string `json:"policy"`

	// ResourceType is the resolved resource type name.
	ResourceType string `json:"resource_type"`

	// Status is the terminal run status.
	Status RunStatus `json:"status"`

	// Phase is the last phase entered.
	Phase Phase `json:"phase"`

	// DryRun records whether actions stopped before mutating calls.
	DryRun bool `json:"dry_run"`

	// Fetched is the size of the full fetched set across all targets.
	Fetched int `json:"fetched"`

	// Matched lists the ids that passed the filter, in matched order.
	Matched []string `json:"matched"`

	// Outcomes lists per-resource, per-action outcomes.
	Outcomes []ActionOutcome `json:"outcomes,omitempty"`

	// Errors lists recorded errors in the order they occurred.
	Errors []RunError `json:"errors,omitempty"`

	// Warnings lists degraded-but-recovered conditions.
	Warnings []Warning `json:"warnings,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`
}

// Summary counts outcomes by status.
func (r *ExecutionResult) Summary() map[OutcomeStatus]int {
	counts := make(map[OutcomeStatus]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}
