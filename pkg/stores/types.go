package stores

import (
	"errors"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
)

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("run not found")

// Run is the summary row of one stored execution result.
type Run struct {
	ID           string           `json:"id"`
	Policy       string           `json:"policy"`
	ResourceType string           `json:"resource_type"`
	Status       engine.RunStatus `json:"status"`
	DryRun       bool             `json:"dry_run"`
	Fetched      int              `json:"fetched"`
	Matched      int              `json:"matched"`
	Errors       int              `json:"errors"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
	Duration     time.Duration    `json:"duration"`
	Error        *string          `json:"error,omitempty"` // first recorded error
}

// Outcome is one stored action outcome.
type Outcome struct {
	RunID       string               `json:"run_id"`
	Seq         int                  `json:"seq"`
	Target      engine.Target        `json:"target"`
	ResourceID  string               `json:"resource_id"`
	Action      string               `json:"action"`
	ActionIndex int                  `json:"action_index"`
	Status      engine.OutcomeStatus `json:"status"`
	Attempts    int                  `json:"attempts"`
	Message     string               `json:"message,omitempty"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Policy string
	Status engine.RunStatus
	Since  time.Time
	Limit  int
	Offset int
}

// OutcomeFilter narrows ListOutcomes.
type OutcomeFilter struct {
	RunID      string
	ResourceID string
	Status     engine.OutcomeStatus
	Limit      int
}
