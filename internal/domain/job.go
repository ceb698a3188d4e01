package domain

import "time"

// TaskStatus enumerates background generation lifecycle states.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCanceled
}

// Task is a snapshot of a generation running in the background.
type Task struct {
	ID         string            `json:"id"`
	Flavor     Flavor            `json:"flavor"`
	Status     TaskStatus        `json:"status"`
	Requested  int               `json:"requested"`
	Images     []ImageRef        `json:"images"`
	Failures   []VariantFailure  `json:"failures,omitempty"`
	Truncated  int               `json:"truncated,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// EventType names a progress notification emitted while a generation runs.
type EventType string

const (
	EventStarted          EventType = "started"
	EventVariantSucceeded EventType = "variant_succeeded"
	EventVariantFailed    EventType = "variant_failed"
	EventPollTick         EventType = "poll_tick"
	EventFinished         EventType = "finished"
)

// Event is a progress notification. Variant is zero based; -1 when not tied to a variant.
type Event struct {
	Type    EventType  `json:"type"`
	TaskID  string     `json:"task_id,omitempty"`
	Variant int        `json:"variant"`
	Images  []ImageRef `json:"images,omitempty"`
	Message string     `json:"message,omitempty"`
	Tick    int        `json:"tick,omitempty"`
	Status  TaskStatus `json:"status,omitempty"`
}
