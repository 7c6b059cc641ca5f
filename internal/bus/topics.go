package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"
)

// Progress and debate topics.
const (
	TopicProgressUpdated = "progress.updated"
	TopicDebateTurn      = "debate.turn"
)

// Config topic, published after a successful hot reload.
const TopicConfigReloaded = "config.reloaded"

// ConfigReloadedEvent is published after new settings have been applied.
type ConfigReloadedEvent struct {
	Fingerprint string    `json:"fingerprint"`
	ReloadedAt  time.Time `json:"reloaded_at"`
}

// TaskStateChangedEvent is published on every status transition.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	BatchID   string `json:"batch_id,omitempty"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Message   string `json:"message,omitempty"`
}

// ProgressEvent carries a progress write for one task.
type ProgressEvent struct {
	TaskID      string    `json:"task_id"`
	Percentage  int       `json:"percentage"`
	Message     string    `json:"message,omitempty"`
	CurrentStep string    `json:"current_step,omitempty"`
	Status      string    `json:"status,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DebateTurnEvent is published once per debate participant turn.
type DebateTurnEvent struct {
	TaskID   string `json:"task_id"`
	Phase    string `json:"phase"`
	Speaker  string `json:"speaker"`
	Count    int    `json:"count"`
	Degraded bool   `json:"degraded,omitempty"`
}
