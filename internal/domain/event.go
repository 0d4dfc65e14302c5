package domain

// Event is an append-only record of a task state transition.
//
// IDs come from a single auto-increment column shared across tasks, so a
// subscriber may observe non-contiguous ids for one task. Events for a single
// task are totally ordered by id; subscribers deduplicate by id when
// reconciling a snapshot against the live stream.
type Event struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt float64        `json:"created_at"`
}
