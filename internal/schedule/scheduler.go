// Package schedule manages recurring task schedules: validation, interval
// and cron firing, skip-if-running, max-run bookkeeping, and workspace-local
// persistence.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/axon/internal/bus"
	"github.com/haasonsaas/axon/internal/observability"
	"github.com/haasonsaas/axon/pkg/models"
)

// Validation errors raised synchronously to the caller.
var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrIntervalTooSmall = fmt.Errorf("intervalMs must be at least %d", models.MinIntervalMs)
	ErrQueryRequired    = errors.New("schedule query is required")
)

// cronParser accepts standard five-field expressions plus descriptors like
// @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spawner is the slice of the task manager the scheduler drives. The
// scheduler never builds agents itself; the wiring layer supplies a spawner
// whose factory does.
type Spawner interface {
	Spawn(ctx context.Context, query, description string, meta map[string]any) (*models.Task, error)
	Status(taskID string) (models.TaskStatus, bool)
}

// CreateConfig describes a new schedule.
type CreateConfig struct {
	Name          string
	Description   string
	Query         string
	IntervalMs    int64
	CronExpr      string
	MaxRuns       int
	SkipIfRunning bool
	Tags          []string
}

// entry pairs a schedule with its timer goroutine's stop channel.
type entry struct {
	sched *models.Schedule
	stop  chan struct{}
}

// Scheduler owns the schedule map; external callers route every mutation
// through its operations. Timers run one goroutine per active schedule.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	spawner Spawner
	store   *FileStore
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus attaches the event bus for schedule lifecycle topics.
func WithBus(b *bus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "schedule")
		}
	}
}

// WithMetrics attaches runtime metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces the wall clock; tests use it to pin nextRunAt.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler. The store may be nil for purely in-memory use.
func New(spawner Spawner, store *FileStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: make(map[string]*entry),
		spawner: spawner,
		store:   store,
		logger:  slog.Default().With("component", "schedule"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the config, persists the new schedule, and starts its
// timer.
func (s *Scheduler) Create(cfg CreateConfig) (*models.Schedule, error) {
	if cfg.Query == "" {
		return nil, ErrQueryRequired
	}
	var cronSched cron.Schedule
	if cfg.CronExpr != "" {
		parsed, err := cronParser.Parse(cfg.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpr, err)
		}
		cronSched = parsed
	} else if cfg.IntervalMs < models.MinIntervalMs {
		return nil, ErrIntervalTooSmall
	}

	now := s.now()
	sched := &models.Schedule{
		ID:            uuid.New().String(),
		Name:          cfg.Name,
		Description:   cfg.Description,
		Query:         cfg.Query,
		IntervalMs:    cfg.IntervalMs,
		CronExpr:      cfg.CronExpr,
		Status:        models.ScheduleActive,
		CreatedAt:     now,
		MaxRuns:       cfg.MaxRuns,
		SkipIfRunning: cfg.SkipIfRunning,
		Tags:          cfg.Tags,
	}
	next := s.nextFire(sched, cronSched, now)
	sched.NextRunAt = &next

	s.mu.Lock()
	e := &entry{sched: sched, stop: make(chan struct{})}
	s.entries[sched.ID] = e
	s.persistLocked()
	s.mu.Unlock()

	go s.runTimer(sched.ID, e.stop)

	s.publish(models.TopicScheduleCreated, models.ScheduleEvent{
		ScheduleID: sched.ID,
		Name:       sched.Name,
	})
	s.logger.Info("schedule created",
		"schedule_id", sched.ID, "name", sched.Name,
		"interval_ms", sched.IntervalMs, "cron", sched.CronExpr)
	return sched.Clone(), nil
}

// nextFire computes the next firing time from the cron rule when present,
// otherwise from the interval.
func (s *Scheduler) nextFire(sched *models.Schedule, cronSched cron.Schedule, from time.Time) time.Time {
	if sched.CronExpr != "" {
		if cronSched == nil {
			parsed, err := cronParser.Parse(sched.CronExpr)
			if err != nil {
				// Validated at create; a persisted record with a bad
				// expression falls back to a day so the timer stays alive.
				return from.Add(24 * time.Hour)
			}
			cronSched = parsed
		}
		return cronSched.Next(from)
	}
	return from.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
}

// runTimer sleeps until each firing time. It exits when the stop channel
// closes (pause, delete, workspace switch) or the schedule goes away.
func (s *Scheduler) runTimer(id string, stop chan struct{}) {
	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok || e.sched.Status != models.ScheduleActive || e.sched.NextRunAt == nil {
			s.mu.Unlock()
			return
		}
		wait := time.Until(*e.sched.NextRunAt)
		s.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if !s.fire(id) {
				return
			}
		case <-stop:
			timer.Stop()
			return
		}
	}
}

// fire runs one firing of the schedule. It reports whether the timer should
// keep running.
func (s *Scheduler) fire(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.sched.Status != models.ScheduleActive {
		s.mu.Unlock()
		return false
	}
	sched := e.sched

	// Pausing on the firing that would exceed maxRuns keeps runCount at the
	// bound exactly.
	if sched.MaxRuns > 0 && sched.RunCount >= sched.MaxRuns {
		sched.Status = models.SchedulePaused
		sched.NextRunAt = nil
		s.persistLocked()
		s.mu.Unlock()

		s.recordFire("paused")
		s.publish(models.TopicSchedulePaused, models.ScheduleEvent{
			ScheduleID: id,
			Name:       sched.Name,
			Reason:     "max runs reached",
		})
		s.logger.Info("schedule reached max runs",
			"schedule_id", id, "run_count", sched.RunCount)
		return false
	}

	if sched.SkipIfRunning && sched.LastTaskID != "" {
		if status, found := s.spawner.Status(sched.LastTaskID); found && !status.Terminal() {
			now := s.now()
			next := s.nextFire(sched, nil, now)
			sched.NextRunAt = &next
			s.persistLocked()
			s.mu.Unlock()

			s.recordFire("skipped")
			s.publish(models.TopicScheduleFired, models.ScheduleEvent{
				ScheduleID: id,
				Name:       sched.Name,
				Skipped:    true,
				Reason:     "previous run still active",
			})
			s.logger.Info("schedule skipped, previous run still active",
				"schedule_id", id, "last_task_id", sched.LastTaskID)
			return true
		}
	}

	runNumber := sched.RunCount + 1
	query := sched.Query
	description := sched.Name
	if description == "" {
		description = "recurring task"
	}
	meta := map[string]any{
		models.TaskMetaType:       models.TaskTypeRecurring,
		models.TaskMetaScheduleID: id,
		models.TaskMetaRunNumber:  runNumber,
	}
	s.mu.Unlock()

	task, err := s.spawner.Spawn(context.Background(), query,
		fmt.Sprintf("%s (run %d)", description, runNumber), meta)

	s.mu.Lock()
	e, ok = s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	sched = e.sched
	now := s.now()
	if err != nil {
		// Leave runCount untouched; retry on the next interval.
		next := s.nextFire(sched, nil, now)
		sched.NextRunAt = &next
		s.persistLocked()
		s.mu.Unlock()

		s.recordFire("error")
		s.logger.Error("schedule spawn failed", "schedule_id", id, "error", err)
		return true
	}

	sched.RunCount = runNumber
	sched.LastRunAt = &now
	sched.LastTaskID = task.ID
	next := s.nextFire(sched, nil, now)
	sched.NextRunAt = &next
	s.persistLocked()
	s.mu.Unlock()

	s.recordFire("spawned")
	s.publish(models.TopicScheduleFired, models.ScheduleEvent{
		ScheduleID: id,
		Name:       sched.Name,
		RunCount:   runNumber,
		TaskID:     task.ID,
	})
	s.logger.Info("schedule fired",
		"schedule_id", id, "run", runNumber, "task_id", task.ID)
	return true
}

// TriggerNow fires the schedule immediately without waiting for its timer.
func (s *Scheduler) TriggerNow(id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return ErrScheduleNotFound
	}
	s.fire(id)
	return nil
}

// Pause stops the schedule's timer and marks it paused.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrScheduleNotFound
	}
	if e.sched.Status == models.SchedulePaused {
		s.mu.Unlock()
		return nil
	}
	e.sched.Status = models.SchedulePaused
	e.sched.NextRunAt = nil
	close(e.stop)
	e.stop = make(chan struct{})
	name := e.sched.Name
	s.persistLocked()
	s.mu.Unlock()

	s.publish(models.TopicSchedulePaused, models.ScheduleEvent{ScheduleID: id, Name: name})
	s.logger.Info("schedule paused", "schedule_id", id)
	return nil
}

// Resume reactivates a paused schedule and recomputes nextRunAt from now.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrScheduleNotFound
	}
	if e.sched.Status == models.ScheduleActive {
		s.mu.Unlock()
		return nil
	}
	e.sched.Status = models.ScheduleActive
	next := s.nextFire(e.sched, nil, s.now())
	e.sched.NextRunAt = &next
	stop := make(chan struct{})
	e.stop = stop
	name := e.sched.Name
	s.persistLocked()
	s.mu.Unlock()

	go s.runTimer(id, stop)

	s.publish(models.TopicScheduleResumed, models.ScheduleEvent{ScheduleID: id, Name: name})
	s.logger.Info("schedule resumed", "schedule_id", id)
	return nil
}

// Delete removes the schedule and stops its timer.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrScheduleNotFound
	}
	name := e.sched.Name
	if e.sched.Status == models.ScheduleActive {
		close(e.stop)
	}
	delete(s.entries, id)
	s.persistLocked()
	s.mu.Unlock()

	s.publish(models.TopicScheduleDeleted, models.ScheduleEvent{ScheduleID: id, Name: name})
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// Get returns a snapshot of one schedule.
func (s *Scheduler) Get(id string) (*models.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.sched.Clone(), true
}

// List returns snapshots of all schedules.
func (s *Scheduler) List() []*models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.sched.Clone())
	}
	return out
}

// Stop halts every timer without touching persisted state. Used at process
// shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.sched.Status == models.ScheduleActive {
			close(e.stop)
			e.stop = make(chan struct{})
		}
	}
}

// Restore loads persisted schedules and starts timers for active ones,
// recomputing nextRunAt from now. Call once at startup.
func (s *Scheduler) Restore() error {
	if s.store == nil {
		return nil
	}
	schedules, err := s.store.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := s.now()
	var started []struct {
		id   string
		stop chan struct{}
	}
	for _, sched := range schedules {
		e := &entry{sched: sched, stop: make(chan struct{})}
		if sched.Status == models.ScheduleActive {
			next := s.nextFire(sched, nil, now)
			sched.NextRunAt = &next
			started = append(started, struct {
				id   string
				stop chan struct{}
			}{sched.ID, e.stop})
		}
		s.entries[sched.ID] = e
	}
	s.mu.Unlock()

	for _, st := range started {
		go s.runTimer(st.id, st.stop)
	}
	s.logger.Info("schedules restored", "count", len(schedules))
	return nil
}

// SwitchWorkspace persists current schedules, stops all timers, clears
// in-memory state, repoints persistence at the new workspace directory, and
// restores from it.
func (s *Scheduler) SwitchWorkspace(dir string) error {
	store, err := NewFileStore(dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.persistLocked()
	for _, e := range s.entries {
		if e.sched.Status == models.ScheduleActive {
			close(e.stop)
		}
	}
	s.entries = make(map[string]*entry)
	s.store = store
	s.mu.Unlock()

	return s.Restore()
}

// persistLocked writes the current schedule set through the store. Callers
// hold the mutex. Persistence failures are warnings; memory is the source
// of truth.
func (s *Scheduler) persistLocked() {
	if s.store == nil {
		return
	}
	out := make([]*models.Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.sched.Clone())
	}
	if err := s.store.Save(out); err != nil {
		s.logger.Warn("schedule persistence failed", "error", err)
	}
}

func (s *Scheduler) publish(topic string, event models.ScheduleEvent) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

func (s *Scheduler) recordFire(result string) {
	if s.metrics != nil {
		s.metrics.RecordScheduleFire(result)
	}
}
