package domain

import "github.com/codemate-dev/gateway/internal/constants"

// Step is one tool invocation within a plan, owned by exactly one task.
// StepIndex is 1-based and contiguous within the task. Role is an advisory
// label only; execution is driven by ToolName and RiskLevel.
type Step struct {
	ID         string               `json:"id"`
	StepIndex  int                  `json:"step_index"`
	Role       string               `json:"role"`
	Action     string               `json:"action"`
	ToolName   string               `json:"tool_name"`
	RiskLevel  constants.RiskLevel  `json:"risk_level"`
	Idempotent bool                 `json:"idempotent"`
	Status     constants.StepStatus `json:"status"`
	Input      map[string]any       `json:"input"`
	Output     map[string]any       `json:"output"`
	CreatedAt  float64              `json:"created_at"`
	UpdatedAt  float64              `json:"updated_at"`
}

// IsTerminal reports whether the step has reached a terminal status.
func (s *Step) IsTerminal() bool {
	switch s.Status {
	case constants.StepStatusCompleted, constants.StepStatusFailed, constants.StepStatusDenied:
		return true
	case constants.StepStatusPending, constants.StepStatusInProgress, constants.StepStatusWaitingApproval:
		return false
	}
	return false
}
