// Package errors provides centralized error handling for the CodeMate gateway.
//
// This package defines sentinel errors used for programmatic error
// categorization throughout the application. All error types can be checked
// using errors.Is().
//
// IMPORTANT: This package MUST NOT import any other internal packages.
// Only standard library imports are allowed.
package errors

import "errors"

// Sentinel errors for error categorization.
// These allow callers to check error types with errors.Is().
// All errors use lowercase descriptions per Go conventions.
var (
	// ErrTaskNotFound indicates that the requested task id does not exist
	// in the store. The HTTP layer maps this to 404.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoPendingApproval indicates that approve was called for a task
	// with no step awaiting approval. The HTTP layer maps this to 409.
	ErrNoPendingApproval = errors.New("no step awaiting approval")

	// ErrInvalidStatus indicates an attempt to persist an unknown task status.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrTaskTerminal indicates an operation on a task that has already
	// reached a terminal state (completed, failed, cancelled).
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrValidation indicates that a request failed input validation.
	// The HTTP layer maps this to 400.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyPlan indicates the planner returned zero steps.
	ErrEmptyPlan = errors.New("planner returned zero steps")

	// ErrPlanTooLarge indicates the planner produced more steps than the
	// task's max_steps budget.
	ErrPlanTooLarge = errors.New("planner exceeded max steps")

	// ErrStepMissingTool indicates a planned step has no tool name.
	ErrStepMissingTool = errors.New("step missing tool intent")

	// ErrStepIndexCollision indicates a step insert would duplicate an
	// existing step_index within the task.
	ErrStepIndexCollision = errors.New("step index collision")

	// ErrConfigInvalid indicates an invalid gateway configuration value.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")
)
