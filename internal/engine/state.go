// Package engine drives task lifecycles for the CodeMate gateway.
//
// This file implements the task state machine, which enforces valid state
// transitions between the queued, planning, running, waiting_approval and
// terminal statuses.
//
// Import rules:
//   - CAN import: internal/constants, internal/domain, internal/errors,
//     internal/store, internal/hub, internal/planner, internal/tools,
//     internal/clock, std lib
//   - MUST NOT import: internal/httpapi, internal/cli
package engine

import "github.com/codemate-dev/gateway/internal/constants"

// ValidTransitions defines all allowed state transitions in the task lifecycle.
// Format: from_status -> []to_statuses
//
// The state machine follows this flow:
//
//	Queued → Planning
//	Planning → Running, Failed
//	Running → Running, WaitingApproval, Completed, Failed, Cancelled
//	WaitingApproval → Running, Failed, Cancelled
//
//nolint:gochecknoglobals // Exported for testing and read-only lookup table
var ValidTransitions = map[constants.TaskStatus][]constants.TaskStatus{
	constants.TaskStatusQueued: {constants.TaskStatusPlanning},
	constants.TaskStatusPlanning: {
		constants.TaskStatusRunning,
		constants.TaskStatusFailed,
		constants.TaskStatusCancelled,
	},
	constants.TaskStatusRunning: {
		constants.TaskStatusRunning, // next step
		constants.TaskStatusWaitingApproval,
		constants.TaskStatusCompleted,
		constants.TaskStatusFailed,
		constants.TaskStatusCancelled,
	},
	constants.TaskStatusWaitingApproval: {
		constants.TaskStatusRunning,
		constants.TaskStatusFailed,
		constants.TaskStatusCancelled,
	},
}

// terminalStatuses defines states where no further transitions are allowed.
// Terminal states are those NOT present as keys in ValidTransitions.
//
//nolint:gochecknoglobals // Read-only lookup table for terminal state checks
var terminalStatuses = map[constants.TaskStatus]bool{
	constants.TaskStatusCompleted: true,
	constants.TaskStatusFailed:    true,
	constants.TaskStatusCancelled: true,
}

// IsValidTransition checks if a transition from one status to another is allowed.
func IsValidTransition(from, to constants.TaskStatus) bool {
	validTargets, exists := ValidTransitions[from]
	if !exists {
		return false // Terminal state or unknown state
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus returns true for states where no further transitions are
// allowed. Terminal states: Completed, Failed, Cancelled. No field except
// updated_at may change after a task enters one of these.
func IsTerminalStatus(status constants.TaskStatus) bool {
	return terminalStatuses[status]
}
