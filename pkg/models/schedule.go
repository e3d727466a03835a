package models

import "time"

// ScheduleStatus represents the lifecycle state of a recurring schedule.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// MinIntervalMs is the smallest accepted firing interval.
const MinIntervalMs = 1000

// Schedule is a recurring task definition. JSON field names match the
// on-disk schedules.json layout, which predates this implementation.
type Schedule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Query       string `json:"query"`

	// IntervalMs is the firing period in milliseconds; must be at least
	// MinIntervalMs. Ignored when CronExpr is set.
	IntervalMs int64 `json:"intervalMs,omitempty"`

	// CronExpr, when non-empty, replaces IntervalMs with a standard
	// five-field cron firing rule.
	CronExpr string `json:"cronExpr,omitempty"`

	Status    ScheduleStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	LastRunAt *time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time     `json:"nextRunAt,omitempty"`

	RunCount int `json:"runCount"`

	// MaxRuns bounds total firings; 0 means unlimited. Reaching the bound
	// pauses the schedule on the firing that would exceed it.
	MaxRuns int `json:"maxRuns,omitempty"`

	LastTaskID    string   `json:"lastTaskId,omitempty"`
	SkipIfRunning bool     `json:"skipIfRunning,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		out.NextRunAt = &t
	}
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	return &out
}
