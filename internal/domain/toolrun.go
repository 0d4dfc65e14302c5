package domain

// ToolResult is the outcome of a single tool invocation.
// Error is empty when OK is true. Artifacts are opaque to the engine;
// they are persisted as-is.
type ToolResult struct {
	OK         bool           `json:"ok"`
	Output     string         `json:"output"`
	Error      string         `json:"error"`
	Artifacts  map[string]any `json:"artifacts"`
	DurationMS int64          `json:"duration_ms"`
}

// Map converts the result to the generic payload shape used for step
// outputs, event payloads, and the persisted tool_runs row.
func (r ToolResult) Map() map[string]any {
	artifacts := r.Artifacts
	if artifacts == nil {
		artifacts = map[string]any{}
	}
	return map[string]any{
		"ok":          r.OK,
		"output":      r.Output,
		"error":       r.Error,
		"artifacts":   artifacts,
		"duration_ms": r.DurationMS,
	}
}

// ToolRun is the append-only record of one tool invocation attempt.
// Multiple runs may exist per step when transient failures are retried.
type ToolRun struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	StepID    string         `json:"step_id"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Result    map[string]any `json:"result"`
	CreatedAt float64        `json:"created_at"`
}
