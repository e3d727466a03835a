// Package tasks manages background runs of the agent loop: spawning,
// cancellation, output capture, progress, and completion bookkeeping.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/axon/internal/bus"
	"github.com/haasonsaas/axon/internal/observability"
	"github.com/haasonsaas/axon/pkg/models"
)

// DefaultConcurrencyCap is the soft cap on simultaneously running tasks.
// Tasks above the cap queue behind a semaphore; nothing is rejected.
const DefaultConcurrencyCap = 3

// ErrTaskNotFound indicates an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskTerminal indicates an operation on a task already in a terminal
// state.
var ErrTaskTerminal = errors.New("task already terminal")

// Runner executes one background query; the agent machine is adapted to
// this shape by the caller's factory.
type Runner interface {
	Run(ctx context.Context, query string) (string, error)
}

// Factory builds a fresh Runner per task so concurrent tasks never share a
// conversation or request state.
type Factory func(task *models.Task) (Runner, error)

// SpawnOptions carry optional metadata onto the task record.
type SpawnOptions struct {
	Metadata map[string]any
}

// record is the manager-internal task state; models.Task is the snapshot
// handed to callers.
type record struct {
	task   models.Task
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the task map. All mutations route through its methods; the
// map is guarded by a single mutex and tasks run on their own goroutines.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*record

	bus     *bus.Bus
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	cap int
	sem chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus attaches the event bus for task lifecycle topics.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "tasks")
		}
	}
}

// WithMetrics attaches runtime metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer attaches the tracer.
func WithTracer(tr *observability.Tracer) Option {
	return func(m *Manager) { m.tracer = tr }
}

// WithConcurrencyCap sets the soft concurrency cap.
func WithConcurrencyCap(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cap = n
		}
	}
}

// New creates an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		records: make(map[string]*record),
		logger:  slog.Default().With("component", "tasks"),
		cap:     DefaultConcurrencyCap,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sem = make(chan struct{}, m.cap)
	return m
}

// ConcurrencyCap returns the soft cap.
func (m *Manager) ConcurrencyCap() int { return m.cap }

// Spawn creates a queued task and starts it asynchronously. The returned
// snapshot reflects the task at creation time.
func (m *Manager) Spawn(ctx context.Context, query, description string, factory Factory, opts SpawnOptions) (*models.Task, error) {
	if factory == nil {
		return nil, fmt.Errorf("task factory is required")
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &record{
		task: models.Task{
			ID:          uuid.New().String(),
			Description: description,
			Query:       query,
			Status:      models.TaskQueued,
			CreatedAt:   time.Now(),
			Metadata:    opts.Metadata,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.records[rec.task.ID] = rec
	m.mu.Unlock()

	snapshot := cloneTask(&rec.task)
	m.publish(models.TopicTaskSpawned, models.TaskEvent{
		TaskID:      snapshot.ID,
		Description: snapshot.Description,
		Status:      models.TaskQueued,
	})
	m.logger.Info("task spawned", "task_id", snapshot.ID, "description", description)

	go m.run(taskCtx, rec.task.ID, query, factory)
	return snapshot, nil
}

func (m *Manager) run(ctx context.Context, id, query string, factory Factory) {
	// Admission: wait for a semaphore slot unless cancelled while queued.
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finish(id, models.TaskCancelled, "", "cancelled while queued")
		return
	}

	started, ok := m.transition(id, models.TaskRunning, func(t *models.Task) {
		now := time.Now()
		t.StartedAt = &now
	})
	if !ok {
		// Cancelled between spawn and admission.
		return
	}
	if m.metrics != nil {
		m.metrics.TaskStarted()
	}
	m.publish(models.TopicTaskStarted, models.TaskEvent{
		TaskID:      started.ID,
		Description: started.Description,
		Status:      models.TaskRunning,
	})

	runCtx := observability.AddTaskID(ctx, id)
	if m.tracer != nil {
		var span trace.Span
		runCtx, span = m.tracer.TraceTaskRun(runCtx, id)
		defer span.End()
	}

	runner, err := factory(started)
	if err != nil {
		m.finish(id, models.TaskFailed, "", fmt.Sprintf("build agent: %v", err))
		return
	}

	result, err := runner.Run(runCtx, query)
	switch {
	case err == nil:
		m.finish(id, models.TaskCompleted, result, "")
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		m.finish(id, models.TaskCancelled, "", err.Error())
	default:
		m.finish(id, models.TaskFailed, "", err.Error())
	}
}

// transition applies mutate and sets the status, refusing to leave a
// terminal state. It returns the updated snapshot.
func (m *Manager) transition(id string, status models.TaskStatus, mutate func(*models.Task)) (*models.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.task.Status.Terminal() {
		return nil, false
	}
	if mutate != nil {
		mutate(&rec.task)
	}
	rec.task.Status = status
	return cloneTask(&rec.task), true
}

// finish moves the task into a terminal state exactly once and emits the
// matching lifecycle event.
func (m *Manager) finish(id string, status models.TaskStatus, result, errText string) {
	wasRunning := false
	snapshot, ok := m.transition(id, status, func(t *models.Task) {
		wasRunning = t.Status == models.TaskRunning
		now := time.Now()
		t.CompletedAt = &now
		t.Result = result
		t.Error = errText
		if status == models.TaskCompleted {
			t.Progress = 100
		}
	})
	if !ok {
		return
	}

	m.mu.Lock()
	if rec, exists := m.records[id]; exists {
		rec.cancel()
		close(rec.done)
	}
	m.mu.Unlock()

	if m.metrics != nil && wasRunning {
		duration := 0.0
		if snapshot.StartedAt != nil && snapshot.CompletedAt != nil {
			duration = snapshot.CompletedAt.Sub(*snapshot.StartedAt).Seconds()
		}
		m.metrics.TaskFinished(string(status), duration)
	}

	event := models.TaskEvent{
		TaskID:      snapshot.ID,
		Description: snapshot.Description,
		Status:      status,
		Error:       errText,
	}
	topic := models.TopicTaskCompleted
	switch status {
	case models.TaskCompleted:
		event.Preview = models.Summarize(result)
	case models.TaskFailed:
		topic = models.TopicTaskFailed
	case models.TaskCancelled:
		topic = models.TopicTaskCancelled
	}
	m.publish(topic, event)
	m.logger.Info("task finished", "task_id", id, "status", status)
}

// Cancel aborts a queued or running task.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	rec, ok := m.records[id]
	var terminal bool
	if ok {
		terminal = rec.task.Status.Terminal()
	}
	m.mu.RUnlock()
	if !ok {
		return ErrTaskNotFound
	}
	if terminal {
		return ErrTaskTerminal
	}

	rec.cancel()
	m.finish(id, models.TaskCancelled, "", "cancelled by user")
	return nil
}

// AppendOutput stamps a line with wall-clock time and appends it to the
// task's rolling log, dropping the oldest lines beyond the cap.
func (m *Manager) AppendOutput(id, text string) error {
	var line models.OutputLine
	snapshot, ok := m.mutate(id, func(t *models.Task) {
		line = models.OutputLine{Time: time.Now(), Text: text}
		t.Output = append(t.Output, line)
		if len(t.Output) > models.TaskOutputCap {
			t.Output = t.Output[len(t.Output)-models.TaskOutputCap:]
		}
	})
	if !ok {
		return ErrTaskNotFound
	}
	m.publish(models.TopicTaskOutput, models.TaskEvent{
		TaskID: snapshot.ID,
		Status: snapshot.Status,
		Line:   &line,
	})
	return nil
}

// UpdateProgress sets the task's progress, clamped to 0..100.
func (m *Manager) UpdateProgress(id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	snapshot, ok := m.mutate(id, func(t *models.Task) {
		t.Progress = progress
	})
	if !ok {
		return ErrTaskNotFound
	}
	m.publish(models.TopicTaskProgress, models.TaskEvent{
		TaskID:   snapshot.ID,
		Status:   snapshot.Status,
		Progress: progress,
	})
	return nil
}

// mutate applies fn under the lock without changing status; terminal tasks
// are left untouched except for output/read bookkeeping, which is harmless.
func (m *Manager) mutate(id string, fn func(*models.Task)) (*models.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	fn(&rec.task)
	return cloneTask(&rec.task), true
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (*models.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return cloneTask(&rec.task), true
}

// List returns snapshots of every known task, newest first.
func (m *Manager) List() []*models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Task, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneTask(&rec.task))
	}
	sortTasksNewestFirst(out)
	return out
}

// Active counts tasks that are queued or running.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if !rec.task.Status.Terminal() {
			n++
		}
	}
	return n
}

// WaitFor blocks until the task reaches a terminal state or the timeout
// elapses, returning the final snapshot.
func (m *Manager) WaitFor(ctx context.Context, id string, timeout time.Duration) (*models.Task, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
	case <-timer.C:
		return nil, fmt.Errorf("task %s did not finish within %s", id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	task, _ := m.Get(id)
	return task, nil
}

// GetCompletedUnread returns terminal tasks not yet marked read.
func (m *Manager) GetCompletedUnread() []*models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for _, rec := range m.records {
		if rec.task.Status.Terminal() && !rec.task.Read {
			out = append(out, cloneTask(&rec.task))
		}
	}
	sortTasksNewestFirst(out)
	return out
}

// MarkRead flips the read flag on a task.
func (m *Manager) MarkRead(id string) error {
	if _, ok := m.mutate(id, func(t *models.Task) { t.Read = true }); !ok {
		return ErrTaskNotFound
	}
	return nil
}

// CleanupOld deletes terminal tasks whose completion precedes the cutoff
// and returns how many were removed.
func (m *Manager) CleanupOld(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.records {
		if !rec.task.Status.Terminal() {
			continue
		}
		if rec.task.CompletedAt != nil && rec.task.CompletedAt.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) publish(topic string, event models.TaskEvent) {
	if m.bus != nil {
		m.bus.Publish(topic, event)
	}
}

func cloneTask(t *models.Task) *models.Task {
	out := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.Output != nil {
		out.Output = append([]models.OutputLine(nil), t.Output...)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func sortTasksNewestFirst(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
