// Package agent implements the actor-critic state machine that drives a
// request through the model, the tool gateway, and the critic until a final
// response is produced.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/axon/internal/bus"
	"github.com/haasonsaas/axon/internal/checkpoint"
	"github.com/haasonsaas/axon/internal/history"
	"github.com/haasonsaas/axon/internal/llm"
	"github.com/haasonsaas/axon/internal/observability"
	"github.com/haasonsaas/axon/internal/request"
	"github.com/haasonsaas/axon/internal/tools"
	"github.com/haasonsaas/axon/pkg/models"
)

// Terminal responses the machine produces without a model answer.
const (
	// MaxTurnsResponse is returned when the loop exhausts its turn budget.
	MaxTurnsResponse = "Could not complete the task within the allowed number of turns."

	// FailsafeResponse substitutes for a turn that produced neither text
	// nor tool calls.
	FailsafeResponse = "no response generated"
)

// phase identifies where a request stands. Phases are a tagged state
// advanced by a single-threaded driver; the bus carries only lifecycle
// notifications.
type phase string

const (
	phaseStart     phase = "start"
	phaseLoop      phase = "loop"
	phasePostTools phase = "post_tools"
)

// ModelClient is the slice of the model client the machine depends on.
// *llm.Client satisfies it; tests substitute scripted fakes.
type ModelClient interface {
	Ask(ctx context.Context, prompt string, opts llm.AskOptions) (*llm.Answer, error)
	AskWithMessages(ctx context.Context, msgs []models.Message, opts llm.AskOptions) (*llm.Answer, error)
	Model() string
}

// Machine runs the actor-critic loop. One machine serves one conversation;
// its history store must not be shared with concurrent requests.
type Machine struct {
	client      ModelClient
	gateway     *tools.Gateway
	history     *history.Store
	checkpoints *checkpoint.Manager
	bus         *bus.Bus

	policy     Policy
	completion map[string]bool

	systemPrompt string
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// Option configures a Machine.
type Option func(*Machine)

// WithCheckpoints attaches the checkpoint manager called at phase
// boundaries.
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(a *Machine) { a.checkpoints = m }
}

// WithBus attaches the event bus used for the background error listener.
func WithBus(b *bus.Bus) Option {
	return func(a *Machine) { a.bus = b }
}

// WithPolicy overrides the critic thresholds.
func WithPolicy(p Policy) Option {
	return func(a *Machine) { a.policy = sanitizePolicy(p) }
}

// WithSystemPrompt sets the system prompt sent on loop turns.
func WithSystemPrompt(prompt string) Option {
	return func(a *Machine) { a.systemPrompt = prompt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Machine) {
		if logger != nil {
			a.logger = logger.With("component", "agent")
		}
	}
}

// WithMetrics attaches runtime metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Machine) { a.metrics = m }
}

// WithTracer attaches the tracer.
func WithTracer(tr *observability.Tracer) Option {
	return func(a *Machine) { a.tracer = tr }
}

// New creates a machine over a model client, a tool gateway, and the
// conversation's history store.
func New(client ModelClient, gateway *tools.Gateway, hist *history.Store, opts ...Option) *Machine {
	m := &Machine{
		client:  client,
		gateway: gateway,
		history: hist,
		policy:  DefaultPolicy(),
		logger:  slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.completion = m.policy.completionSet()
	return m
}

// Run drives the request to a terminal state and returns the final response.
// The request context is mutated only here; on return it is completed, its
// checkpoint cleared, and the background error listener detached.
func (m *Machine) Run(rc *request.Context) (string, error) {
	if m.client == nil {
		return "", ErrNoClient
	}

	ctx := observability.AddRequestID(rc.Ctx(), rc.ID)
	release := m.attachErrorListener(rc)
	defer release()

	outcome := "completed"
	defer func() {
		rc.Complete()
		done := context.WithoutCancel(ctx)
		if m.checkpoints != nil {
			m.checkpoints.CompleteRequest(done, rc.ID)
		}
		if m.history != nil {
			m.history.SaveActive(done)
		}
		if m.metrics != nil {
			m.metrics.RecordRequest(outcome, rc.Turn())
		}
		m.logger.Info("request finished",
			"request_id", rc.ID,
			"outcome", outcome,
			"turns", rc.Turn(),
			"tool_calls", rc.ToolCallCount(),
			"elapsed_ms", rc.ElapsedMs())
	}()

	rc.SetMetadata(checkpoint.MetaStatus, string(phaseStart))
	m.checkpointBoundary(ctx, rc)

	if pre := m.precheck(ctx, rc); pre != nil {
		switch pre.Status {
		case statusFastPath:
			outcome = "fast_path"
			return pre.Response, nil
		case statusClarify:
			outcome = "clarify"
			return pre.Question, nil
		}
	}

	guidance := ""
	for {
		if rc.Aborted() {
			outcome = "cancelled"
			return "", fmt.Errorf("%w: %w", ErrRequestCancelled, rc.Err())
		}
		if rc.Turn()+1 > rc.MaxTurns {
			outcome = "max_turns"
			return MaxTurnsResponse, nil
		}
		turn := rc.AdvanceTurn()

		rc.SetMetadata(checkpoint.MetaStatus, string(phaseLoop))
		rc.SetMetadata(checkpoint.MetaCurrentAction, fmt.Sprintf("turn %d", turn))
		m.checkpointBoundary(ctx, rc)

		prompt := m.assemblePrompt(rc, guidance)
		guidance = ""

		answer, err := m.client.Ask(ctx, prompt, m.askOptions(rc))
		if err != nil {
			if IsCancellation(err) {
				outcome = "cancelled"
				return "", err
			}
			outcome = "error"
			return "", &LoopError{Phase: string(phaseLoop), Turn: turn, Err: err}
		}

		switch {
		case answer.HasToolCalls():
			results := m.executeTools(ctx, rc, answer.ToolCalls)

			rc.SetMetadata(checkpoint.MetaStatus, string(phasePostTools))
			m.checkpointBoundary(ctx, rc)

			guidance = m.criticTools(rc, results)

		case answer.Content != "":
			retry, g := m.criticText(rc, answer.Content)
			if retry && rc.RetryCount < m.policy.MaxRetries {
				rc.BumpRetry()
				guidance = g
				m.logger.Debug("quality gate retry",
					"request_id", rc.ID, "turn", turn, "retry", rc.RetryCount)
				continue
			}
			return answer.Content, nil

		default:
			return FailsafeResponse, nil
		}
	}
}

// executeTools runs the model's tool calls sequentially, appending a tool
// message per result and recording a completed action for each. Failures
// land in the context's error list for the next prompt; the cancellation
// handle is honored between calls by the gateway itself.
func (m *Machine) executeTools(ctx context.Context, rc *request.Context, calls []models.ToolCall) []tools.Result {
	results := make([]tools.Result, 0, len(calls))
	for _, call := range calls {
		rc.SetMetadata(checkpoint.MetaCurrentAction, "executing "+call.Name)

		var res tools.Result
		if rc.DryRun {
			res = tools.Result{
				CallID: call.ID,
				Name:   call.Name,
				Output: "Dry run: skipped execution of " + call.Name,
			}
		} else {
			res = m.gateway.Execute(ctx, call)
		}

		if m.history != nil {
			m.history.Append(models.Message{
				Role:       models.RoleTool,
				Content:    res.Output,
				ToolCallID: res.CallID,
				Name:       res.Name,
				CreatedAt:  time.Now(),
			})
		}

		status := models.ActionSuccess
		if res.IsError {
			status = models.ActionError
			rc.AddError(res.Name, res.Output)
		}
		rc.RecordAction(models.CompletedAction{
			Tool:    res.Name,
			Status:  status,
			Summary: models.Summarize(res.Output),
		})
		results = append(results, res)
	}
	if m.history != nil {
		m.history.EnforceContextLimits()
	}
	return results
}

func (m *Machine) askOptions(rc *request.Context) llm.AskOptions {
	opts := llm.AskOptions{
		SystemPrompt: m.systemPrompt,
		Model:        rc.Model,
	}
	if rc.ResponseFormat == "json" {
		opts.Format = llm.FormatJSON
	}
	if rc.Streaming && rc.Sink != nil {
		opts.Stream = true
		opts.Sink = llm.Sink(rc.Sink)
	}
	if m.gateway != nil {
		for _, t := range m.gateway.Tools() {
			opts.Tools = append(opts.Tools, llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			})
		}
	}
	return opts
}

// checkpointBoundary snapshots the request at a phase boundary. The history
// store already holds the in-memory log, so syncing is implicit.
func (m *Machine) checkpointBoundary(ctx context.Context, rc *request.Context) {
	if m.checkpoints != nil {
		m.checkpoints.CheckpointRequest(ctx, rc, m.history)
	}
}

// attachErrorListener routes system:error events into the request's pending
// error queue. The returned release func must run on every terminal path so
// the subscriber count returns to its pre-request baseline.
func (m *Machine) attachErrorListener(rc *request.Context) func() {
	if m.bus == nil {
		return func() {}
	}
	id := m.bus.Subscribe(models.TopicSystemError, func(payload any) {
		var evt models.SystemErrorEvent
		switch p := payload.(type) {
		case models.SystemErrorEvent:
			evt = p
		case *models.SystemErrorEvent:
			evt = *p
		default:
			return
		}
		rc.QueueBackgroundError(fmt.Sprintf("%s: %s", evt.Type, evt.Message))
	})
	return func() { m.bus.Unsubscribe(id) }
}
