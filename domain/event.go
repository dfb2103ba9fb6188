package domain

// Task event types published to the activity feed.
const (
	EventTaskAdded     = "task-added"
	EventTaskRemoved   = "task-removed"
	EventTaskCompleted = "task-completed"
)

// TaskEvent describes one effective mutation of the task list.
type TaskEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Position    int    `json:"position"`
	Description string `json:"description,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// EventEnvelope wraps an event with the instance that produced it.
type EventEnvelope struct {
	Source string    `json:"source"`
	Event  TaskEvent `json:"event"`
}
