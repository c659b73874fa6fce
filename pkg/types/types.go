package types

import "time"

// Worker represents a registered worker process in the fleet
type Worker struct {
	ID              string         `json:"id"`
	Capabilities    StringSet      `json:"capabilities"`
	Status          WorkerStatus   `json:"status"`
	ActiveTaskCount int            `json:"activeTaskCount"`
	CompletedCount  int64          `json:"completedCount"`
	FailedCount     int64          `json:"failedCount"`
	RegisteredAt    int64          `json:"registeredAt"`
	LastHeartbeatAt int64          `json:"lastHeartbeatAt"`
	LastSeenAt      int64          `json:"lastSeenAt"`
	Subscriptions   []string       `json:"subscriptions,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the worker.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	c.Capabilities = w.Capabilities.Clone()
	c.Subscriptions = append([]string(nil), w.Subscriptions...)
	if w.Metadata != nil {
		c.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusError   WorkerStatus = "error"
)

// Task represents a unit of work tracked through its lifecycle
type Task struct {
	ID                   string         `json:"id"`
	Status               TaskStatus     `json:"status"`
	RequiredCapabilities StringSet      `json:"requiredCapabilities"`
	Priority             Priority       `json:"priority"`
	AssignedTo           string         `json:"assignedTo,omitempty"`
	Progress             int            `json:"progress"`
	Result               any            `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
	Payload              map[string]any `json:"payload,omitempty"`
	CreatedAt            int64          `json:"createdAt"`
	AssignedAt           int64          `json:"assignedAt,omitempty"`
	LastUpdateAt         int64          `json:"lastUpdateAt,omitempty"`
	CompletedAt          int64          `json:"completedAt,omitempty"`
	FailedAt             int64          `json:"failedAt,omitempty"`
	PreviousWorker       string         `json:"previousWorker,omitempty"`
	ReassignedAt         int64          `json:"reassignedAt,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.RequiredCapabilities = t.RequiredCapabilities.Clone()
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Priority orders tasks and messages for scheduling and delivery
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists all priorities from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the dequeue order of the priority; lower is more urgent.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a recognized priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// NowMS returns the current wall clock as epoch milliseconds, the unit used
// for every timestamp carried by the core.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
