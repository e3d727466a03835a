package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/axon/internal/agent"
	"github.com/haasonsaas/axon/internal/bus"
	"github.com/haasonsaas/axon/internal/checkpoint"
	"github.com/haasonsaas/axon/internal/config"
	"github.com/haasonsaas/axon/internal/history"
	"github.com/haasonsaas/axon/internal/llm"
	"github.com/haasonsaas/axon/internal/observability"
	"github.com/haasonsaas/axon/internal/request"
	"github.com/haasonsaas/axon/internal/schedule"
	"github.com/haasonsaas/axon/internal/tasks"
	"github.com/haasonsaas/axon/internal/tools"
	"github.com/haasonsaas/axon/internal/tools/builtin"
	"github.com/haasonsaas/axon/pkg/models"
)

// runtime holds the wired component graph for one process.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	bus         *bus.Bus
	gateway     *tools.Gateway
	checkpoints *checkpoint.Manager
	manager     *tasks.Manager
	scheduler   *schedule.Scheduler

	persister     history.Persister
	traceShutdown func(context.Context) error
	historyCloser func() error
}

// buildRuntime wires every component from configuration. withMetrics controls
// whether Prometheus collectors register; one-shot commands skip them so
// repeated in-process construction never double-registers.
func buildRuntime(cfg *config.Config, withMetrics bool) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger.Slog())

	rt := &runtime{cfg: cfg, logger: logger}

	if withMetrics && cfg.Metrics.Enabled {
		rt.metrics = observability.NewMetrics()
	}
	if cfg.Tracing.Endpoint != "" {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.Insecure,
		})
		rt.tracer = tracer
		rt.traceShutdown = shutdown
	}

	rt.bus = bus.New(logger.Slog())

	if cfg.History.DatabasePath != "" {
		store, err := history.NewSQLiteStore(cfg.History.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		rt.persister = store
		rt.historyCloser = store.Close
	}

	if cfg.Checkpoint.Enabled {
		var store checkpoint.Store
		if cfg.Checkpoint.Dir != "" {
			fileStore, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
			if err != nil {
				return nil, fmt.Errorf("open checkpoint dir: %w", err)
			}
			store = fileStore
		} else {
			store = checkpoint.NewMemoryStore()
		}
		rt.checkpoints = checkpoint.New(store,
			checkpoint.WithLogger(logger.Slog()),
			checkpoint.WithMetrics(rt.metrics))
	}

	rt.gateway = tools.New(
		tools.WithLogger(logger.Slog()),
		tools.WithMetrics(rt.metrics),
		tools.WithTracer(rt.tracer))
	if err := builtin.Register(rt.gateway, builtin.Config{
		Workspace: cfg.Workspace,
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	rt.manager = tasks.New(
		tasks.WithBus(rt.bus),
		tasks.WithLogger(logger.Slog()),
		tasks.WithMetrics(rt.metrics),
		tasks.WithTracer(rt.tracer),
		tasks.WithConcurrencyCap(cfg.Tasks.ConcurrencyCap))

	scheduleStore, err := schedule.NewFileStore(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("open schedule store: %w", err)
	}
	rt.scheduler = schedule.New(
		&taskSpawner{manager: rt.manager, factory: rt.taskFactory()},
		scheduleStore,
		schedule.WithBus(rt.bus),
		schedule.WithLogger(logger.Slog()),
		schedule.WithMetrics(rt.metrics))

	return rt, nil
}

// Close releases process-wide resources in reverse dependency order.
func (rt *runtime) Close(ctx context.Context) {
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}
	if rt.historyCloser != nil {
		if err := rt.historyCloser(); err != nil {
			rt.logger.Slog().Warn("history close failed", "error", err)
		}
	}
	if rt.traceShutdown != nil {
		if err := rt.traceShutdown(ctx); err != nil {
			rt.logger.Slog().Warn("trace shutdown failed", "error", err)
		}
	}
}

// newHistory builds a conversation store, persisted when a database is
// configured.
func (rt *runtime) newHistory(conversationID string) *history.Store {
	opts := []history.Option{
		history.WithMaxContextTokens(rt.cfg.History.MaxContextTokens),
		history.WithLogger(rt.logger.Slog()),
	}
	if rt.persister != nil {
		opts = append(opts, history.WithPersister(rt.persister))
	}
	return history.New(conversationID, opts...)
}

// newMachine builds an agent loop bound to a fresh conversation.
func (rt *runtime) newMachine(conversationID string) (*agent.Machine, *history.Store) {
	hist := rt.newHistory(conversationID)

	client := llm.New(rt.cfg.Model.BaseURL, rt.cfg.Model.Model,
		llm.WithAPIKey(rt.cfg.Model.APIKey),
		llm.WithTemperature(rt.cfg.Model.Temperature),
		llm.WithTimeout(rt.cfg.Model.Timeout.Std()),
		llm.WithHistory(hist),
		llm.WithLogger(rt.logger.Slog()),
		llm.WithMetrics(rt.metrics),
		llm.WithTracer(rt.tracer))

	opts := []agent.Option{
		agent.WithBus(rt.bus),
		agent.WithPolicy(rt.policy()),
		agent.WithLogger(rt.logger.Slog()),
		agent.WithMetrics(rt.metrics),
		agent.WithTracer(rt.tracer),
	}
	if rt.cfg.Agent.SystemPrompt != "" {
		opts = append(opts, agent.WithSystemPrompt(rt.cfg.Agent.SystemPrompt))
	}
	if rt.checkpoints != nil {
		opts = append(opts, agent.WithCheckpoints(rt.checkpoints))
	}

	return agent.New(client, rt.gateway, hist, opts...), hist
}

// policy maps the agent config section onto loop thresholds, leaving
// defaults in place for unset values.
func (rt *runtime) policy() agent.Policy {
	p := agent.DefaultPolicy()
	a := rt.cfg.Agent
	if a.MaxRetries > 0 {
		p.MaxRetries = a.MaxRetries
	}
	if a.ToolCallBudget > 0 {
		p.ToolCallBudget = a.ToolCallBudget
	}
	if a.ShortInputLen > 0 {
		p.ShortInputLen = a.ShortInputLen
	}
	if a.MinShortResponseLen > 0 {
		p.MinShortResponseLen = a.MinShortResponseLen
	}
	if a.LongInputLen > 0 {
		p.LongInputLen = a.LongInputLen
	}
	if a.BriefResponseLen > 0 {
		p.BriefResponseLen = a.BriefResponseLen
	}
	if len(a.CompletionTools) > 0 {
		p.CompletionTools = a.CompletionTools
	}
	return p
}

// taskFactory builds a runner per background task. Each task gets its own
// conversation so parallel tasks never interleave history.
func (rt *runtime) taskFactory() tasks.Factory {
	return func(task *models.Task) (tasks.Runner, error) {
		return &agentRunner{rt: rt, taskID: task.ID}, nil
	}
}

// agentRunner adapts the agent loop to the task manager's Runner contract.
type agentRunner struct {
	rt     *runtime
	taskID string
}

func (r *agentRunner) Run(ctx context.Context, query string) (string, error) {
	machine, _ := r.rt.newMachine("task-" + r.taskID)
	rc := request.New(query, request.Options{
		Parent:   ctx,
		MaxTurns: r.rt.cfg.Agent.MaxTurns,
	})
	defer rc.Cancel()
	return machine.Run(rc)
}

// taskSpawner adapts the task manager to the scheduler's Spawner contract.
type taskSpawner struct {
	manager *tasks.Manager
	factory tasks.Factory
}

func (s *taskSpawner) Spawn(ctx context.Context, query, description string, meta map[string]any) (*models.Task, error) {
	return s.manager.Spawn(ctx, query, description, s.factory, tasks.SpawnOptions{Metadata: meta})
}

func (s *taskSpawner) Status(taskID string) (models.TaskStatus, bool) {
	task, ok := s.manager.Get(taskID)
	if !ok {
		return "", false
	}
	return task.Status, true
}
