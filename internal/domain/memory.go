package domain

// MemoryItem is an append-only scratchpad entry written by the engine at
// notable transitions (goal on completion, failure reasons). The core never
// reads these back; they exist for future planner context.
type MemoryItem struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Key       string  `json:"key"`
	Value     string  `json:"value"`
	Score     float64 `json:"score"`
	CreatedAt float64 `json:"created_at"`
}
