package models

import "time"

// TaskStatus represents the lifecycle state of a background task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal states are sticky:
// no transition may leave them.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// OutputLine is one timestamped line of task output.
type OutputLine struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// TaskOutputCap bounds the rolling output log per task; the oldest lines are
// dropped once the cap is reached.
const TaskOutputCap = 1000

// Task is a background run of the agent loop. The cancellation handle lives
// on the manager's internal record, not here; Task is the snapshot callers
// observe.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Query       string         `json:"query"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Read        bool           `json:"read"`
	Output      []OutputLine   `json:"output,omitempty"`
	Progress    int            `json:"progress"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Metadata keys stamped on tasks spawned by the scheduler.
const (
	TaskMetaType       = "type"
	TaskMetaScheduleID = "scheduleId"
	TaskMetaRunNumber  = "runNumber"

	TaskTypeRecurring = "recurring"
)
