// Package domain defines the core types for the CodeMate gateway.
//
// This package contains pure data structures with no behavior beyond
// validation and defaulting. It MUST NOT import any internal packages
// other than internal/constants and internal/errors.
package domain

import (
	"fmt"
	"strings"

	"github.com/codemate-dev/gateway/internal/constants"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
)

// Task is the persisted unit of work. A task owns an ordered list of steps
// synthesized by the planner and driven to completion by the engine.
//
// Timestamps are fractional unix seconds to round-trip the persisted schema
// and wire format exactly.
type Task struct {
	ID            string               `json:"id"`
	Goal          string               `json:"goal"`
	Status        constants.TaskStatus `json:"status"`
	Context       map[string]any       `json:"context"`
	CurrentStepID *string              `json:"current_step_id"`
	Error         *string              `json:"error"`
	CreatedAt     float64              `json:"created_at"`
	UpdatedAt     float64              `json:"updated_at"`
	MaxSteps      int                  `json:"max_steps"`
	TimeBudgetSec int                  `json:"time_budget_sec"`
	TokenBudget   int                  `json:"token_budget"`
}

// TaskCreateRequest is the body of POST /v1/tasks.
type TaskCreateRequest struct {
	Goal          string         `json:"goal"`
	Context       map[string]any `json:"context"`
	MaxSteps      int            `json:"max_steps"`
	TimeBudgetSec int            `json:"time_budget_sec"`
	TokenBudget   int            `json:"token_budget"`
}

// ApplyDefaults fills zero-valued budget fields with their documented
// defaults and normalizes the goal. Call before Validate.
func (r *TaskCreateRequest) ApplyDefaults() {
	r.Goal = strings.TrimSpace(r.Goal)
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	if r.MaxSteps == 0 {
		r.MaxSteps = constants.DefaultSteps
	}
	if r.TimeBudgetSec == 0 {
		r.TimeBudgetSec = constants.DefaultTimeBudgetSec
	}
	if r.TokenBudget == 0 {
		r.TokenBudget = constants.DefaultTokenBudget
	}
}

// Validate checks the request against the documented bounds.
// Returned errors wrap ErrValidation for HTTP 400 mapping.
func (r *TaskCreateRequest) Validate() error {
	if len(r.Goal) < constants.MinGoalLength {
		return fmt.Errorf("%w: goal must be at least %d characters", cmerrors.ErrValidation, constants.MinGoalLength)
	}
	if r.MaxSteps < constants.MinSteps || r.MaxSteps > constants.MaxSteps {
		return fmt.Errorf("%w: max_steps must be in [%d,%d]", cmerrors.ErrValidation, constants.MinSteps, constants.MaxSteps)
	}
	if r.TimeBudgetSec < constants.MinTimeBudgetSec || r.TimeBudgetSec > constants.MaxTimeBudgetSec {
		return fmt.Errorf("%w: time_budget_sec must be in [%d,%d]", cmerrors.ErrValidation, constants.MinTimeBudgetSec, constants.MaxTimeBudgetSec)
	}
	if r.TokenBudget < constants.MinTokenBudget || r.TokenBudget > constants.MaxTokenBudget {
		return fmt.Errorf("%w: token_budget must be in [%d,%d]", cmerrors.ErrValidation, constants.MinTokenBudget, constants.MaxTokenBudget)
	}
	return nil
}

// DenyRequest is the body of POST /v1/tasks/{id}/deny.
type DenyRequest struct {
	Reason string `json:"reason"`
}

// ReasonOrDefault returns the trimmed reason, or the documented default
// when the caller supplied none.
func (r DenyRequest) ReasonOrDefault() string {
	reason := strings.TrimSpace(r.Reason)
	if reason == "" {
		return "Denied by user"
	}
	return reason
}

// Snapshot is a point-in-time view of a task, its ordered steps, and its
// event log. It is the response body of most task endpoints and the payload
// of the synthetic snapshot event on the SSE stream.
type Snapshot struct {
	Task   Task    `json:"task"`
	Steps  []Step  `json:"steps"`
	Events []Event `json:"events"`
}
