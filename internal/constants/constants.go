// Package constants defines shared constants for the CodeMate gateway.
//
// This package holds the task and step state sets, the static tool risk
// table, event types, and server defaults. It MUST NOT import any other
// internal packages.
package constants

import "time"

// ServiceName is the service identifier reported by the health endpoint.
const ServiceName = "codemate_gateway"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskStatusQueued          TaskStatus = "queued"
	TaskStatusPlanning        TaskStatus = "planning"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusWaitingApproval TaskStatus = "waiting_approval"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// taskStatuses is the set of all valid task statuses for O(1) validation.
//
//nolint:gochecknoglobals // Read-only lookup table
var taskStatuses = map[TaskStatus]bool{
	TaskStatusQueued:          true,
	TaskStatusPlanning:        true,
	TaskStatusRunning:         true,
	TaskStatusWaitingApproval: true,
	TaskStatusCompleted:       true,
	TaskStatusFailed:          true,
	TaskStatusCancelled:       true,
}

// IsValidTaskStatus reports whether s is a known task status.
func IsValidTaskStatus(s TaskStatus) bool {
	return taskStatuses[s]
}

// StepStatus represents the lifecycle state of a single plan step.
type StepStatus string

// Step lifecycle states.
const (
	StepStatusPending         StepStatus = "pending"
	StepStatusInProgress      StepStatus = "in_progress"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusDenied          StepStatus = "denied"
)

// RiskLevel classifies a tool for approval gating.
type RiskLevel string

// Risk levels. High-risk steps require human approval before execution.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Tool names understood by the planner and the local tool runner.
const (
	ToolGitStatus        = "git_status"
	ToolRunTests         = "run_tests"
	ToolSummarizeTask    = "summarize_task"
	ToolWriteFile        = "write_file"
	ToolGenerateReadme   = "generate_readme"
	ToolGitCommit        = "git_commit"
	ToolGitPush          = "git_push"
	ToolGitHubCreateRepo = "github_create_repo"
	ToolGitHubUpdateDesc = "github_update_description"
)

// toolRisk is the static tool → risk classification table.
//
//nolint:gochecknoglobals // Read-only lookup table
var toolRisk = map[string]RiskLevel{
	ToolGitStatus:        RiskLow,
	ToolRunTests:         RiskLow,
	ToolSummarizeTask:    RiskLow,
	ToolWriteFile:        RiskMedium,
	ToolGenerateReadme:   RiskMedium,
	ToolGitCommit:        RiskMedium,
	ToolGitPush:          RiskHigh,
	ToolGitHubCreateRepo: RiskHigh,
	ToolGitHubUpdateDesc: RiskHigh,
}

// RiskForTool returns the risk level for a tool name.
// Unknown tools default to medium as a safety bias.
func RiskForTool(toolName string) RiskLevel {
	if r, ok := toolRisk[toolName]; ok {
		return r
	}
	return RiskMedium
}

// Event types emitted by the engine.
const (
	EventTaskUpdated       = "task_updated"
	EventApprovalRequested = "approval_requested"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventSnapshot          = "snapshot"
)

// Step roles. Advisory labels only; they do not affect execution.
const (
	RolePlanner  = "planner"
	RoleCoder    = "coder"
	RoleExecutor = "executor"
	RoleGitAgent = "git_agent"
	RoleReviewer = "reviewer"
)

// Task creation bounds and defaults.
const (
	MinGoalLength = 3

	MinSteps     = 2
	MaxSteps     = 30
	DefaultSteps = 8

	MinTimeBudgetSec     = 30
	MaxTimeBudgetSec     = 3600
	DefaultTimeBudgetSec = 300

	MinTokenBudget     = 1000
	MaxTokenBudget     = 250000
	DefaultTokenBudget = 12000

	MinListLimit     = 1
	MaxListLimit     = 100
	DefaultListLimit = 20
)

// Retry policy for non-high-risk steps.
const (
	// MaxToolAttempts is the total number of attempts per step, including
	// the first. Only transient failures are retried.
	MaxToolAttempts = 2

	// RetryBackoff is the sleep between attempts after a transient failure.
	RetryBackoff = 750 * time.Millisecond
)

// Server defaults.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 7011

	// DefaultDBDir and DefaultDBFile form the default database path,
	// relative to the working directory.
	DefaultDBDir  = ".codemate"
	DefaultDBFile = "codemate_gateway.db"
)

// Environment variables consumed by tool adapters. The engine reads none.
const (
	EnvGitHubToken = "GITHUB_TOKEN" //nolint:gosec // env var name, not a credential
	EnvOllamaModel = "OLLAMA_AUTONOMY_MODEL"
)

// DefaultOllamaModel is used when EnvOllamaModel is not set.
const DefaultOllamaModel = "qwen2.5-coder:1.5b"

// DefaultTestCommand is the command run_tests uses when none is supplied.
const DefaultTestCommand = "pytest -q"
