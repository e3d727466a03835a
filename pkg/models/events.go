package models

// Event bus topics published by the runtime. Subscribers receive the payload
// types declared alongside each group.
const (
	// TopicSystemError carries asynchronous process-level failures into the
	// runtime; payload is SystemErrorEvent.
	TopicSystemError = "system:error"

	// Task lifecycle topics; payload is TaskEvent.
	TopicTaskSpawned   = "task:spawned"
	TopicTaskStarted   = "task:started"
	TopicTaskOutput    = "task:output"
	TopicTaskProgress  = "task:progress"
	TopicTaskCompleted = "task:completed"
	TopicTaskFailed    = "task:failed"
	TopicTaskCancelled = "task:cancelled"

	// Schedule lifecycle topics; payload is ScheduleEvent.
	TopicScheduleCreated = "schedule:created"
	TopicScheduleFired   = "schedule:fired"
	TopicSchedulePaused  = "schedule:paused"
	TopicScheduleResumed = "schedule:resumed"
	TopicScheduleDeleted = "schedule:deleted"
)

// SystemErrorEvent is the payload for TopicSystemError.
type SystemErrorEvent struct {
	// Type is "unhandledRejection" or "uncaughtException".
	Type    string `json:"type"`
	Message string `json:"message"`
}

const (
	SystemErrorUnhandledRejection = "unhandledRejection"
	SystemErrorUncaughtException  = "uncaughtException"
)

// TaskEvent is the payload for all task:* topics. Line, Progress, Preview and
// Error are populated only by the topics that carry them.
type TaskEvent struct {
	TaskID      string      `json:"task_id"`
	Description string      `json:"description,omitempty"`
	Status      TaskStatus  `json:"status,omitempty"`
	Line        *OutputLine `json:"line,omitempty"`
	Progress    int         `json:"progress,omitempty"`
	Preview     string      `json:"preview,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// ScheduleEvent is the payload for all schedule:* topics.
type ScheduleEvent struct {
	ScheduleID string `json:"schedule_id"`
	Name       string `json:"name,omitempty"`
	RunCount   int    `json:"run_count,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
