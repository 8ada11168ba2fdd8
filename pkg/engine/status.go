package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a policy execution run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started yet.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every phase completed without recorded errors.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates the run completed but recorded resource-scoped errors.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates a fatal error terminated the run.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller cancelled the run.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Phase is a state of the orchestrator's linear state machine.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseResolve  Phase = "resolve"
	PhaseFetch    Phase = "fetch"
	PhaseFilter   Phase = "filter"
	PhaseAct      Phase = "act"
	PhaseReport   Phase = "report"
)

// phaseOrder fixes the only legal transition order.
var phaseOrder = []Phase{PhaseValidate, PhaseResolve, PhaseFetch, PhaseFilter, PhaseAct, PhaseReport}

// Index returns the position of the phase in the state machine, or -1.
func (p Phase) Index() int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p. Report has no successor.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[i+1], true
}

// CanTransition reports whether moving from p to next is a forward single step.
func (p Phase) CanTransition(next Phase) bool {
	n, ok := p.Next()
	return ok && n == next
}

// Phases returns the phases in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// OutcomeStatus is the result of applying one action to one resource.
type OutcomeStatus string

const (
	// OutcomeSucceeded indicates the provider call completed.
	OutcomeSucceeded OutcomeStatus = "succeeded"

	// OutcomeWouldApply indicates a dry run stopped before the mutating call.
	OutcomeWouldApply OutcomeStatus = "would-apply"

	// OutcomeSkipped indicates the resource was skipped (vanished, aborted unit).
	OutcomeSkipped OutcomeStatus = "skipped"

	// OutcomeFailed indicates the action failed for this resource.
	OutcomeFailed OutcomeStatus = "failed"
)

// Validate checks if the outcome status is valid.
func (s OutcomeStatus) Validate() error {
	switch s {
	case OutcomeSucceeded, OutcomeWouldApply, OutcomeSkipped, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s OutcomeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *OutcomeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := OutcomeStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Mode is the policy execution mode tag. Dispatch of non-pull modes is
// handled outside the engine.
type Mode string

const (
	// ModePull runs on demand against the provider's current inventory.
	ModePull Mode = "pull"

	// ModeEvent runs when triggered by an external change feed.
	ModeEvent Mode = "event"

	// ModePeriodic runs on an external schedule.
	ModePeriodic Mode = "periodic"
)

// Validate checks if the mode is known.
func (m Mode) Validate() error {
	switch m {
	case ModePull, ModeEvent, ModePeriodic:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}
