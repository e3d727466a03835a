// Package request holds the per-request state that travels through the agent
// state machine: identity, input, cancellation, loop counters, and the error
// lists surfaced to later turns.
package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/axon/pkg/models"
)

// DefaultMaxTurns bounds the actor-critic loop per request.
const DefaultMaxTurns = 30

// ChunkSink receives incremental response text during streaming runs.
type ChunkSink func(text string)

// Options configure a new request context.
type Options struct {
	// Parent is the cancellation root; context.Background() when nil.
	Parent context.Context

	Streaming bool
	Sink      ChunkSink

	// Model overrides the configured default model for this request.
	Model string

	// ResponseFormat hints the final answer shape ("text" or "json").
	ResponseFormat string

	DryRun   bool
	MaxTurns int

	Metadata map[string]any
}

// Context is the isolated state of one agent request. It is created at
// request entry, mutated only by the owning state machine, and completed
// exactly once. The mutex guards the fields the asynchronous background
// error listener also touches.
type Context struct {
	ID            string
	OriginalInput string

	Streaming      bool
	Sink           ChunkSink
	Model          string
	ResponseFormat string
	DryRun         bool
	MaxTurns       int

	IsRetry    bool
	RetryCount int

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	currentInput     string
	turn             int
	toolCallCount    int
	completedActions []models.CompletedAction
	failures         []models.ToolFailure
	pendingErrors    []string
	metadata         map[string]any
	startedAt        time.Time
	completedAt      time.Time
	completed        bool
}

// New creates a request context with a fresh id.
func New(input string, opts Options) *Context {
	parent := opts.Parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	meta := opts.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}

	return &Context{
		ID:             uuid.New().String(),
		OriginalInput:  input,
		Streaming:      opts.Streaming,
		Sink:           opts.Sink,
		Model:          opts.Model,
		ResponseFormat: opts.ResponseFormat,
		DryRun:         opts.DryRun,
		MaxTurns:       maxTurns,
		ctx:            ctx,
		cancel:         cancel,
		currentInput:   input,
		metadata:       meta,
		startedAt:      time.Now(),
	}
}

// Ctx returns the cancellation context carried by this request.
func (c *Context) Ctx() context.Context { return c.ctx }

// Cancel aborts the request and everything derived from it.
func (c *Context) Cancel() { c.cancel() }

// Aborted reports whether the cancellation handle has fired.
func (c *Context) Aborted() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Err returns the cancellation error when aborted, nil otherwise.
func (c *Context) Err() error { return c.ctx.Err() }

// CheckAborted returns an error naming the request when the cancellation
// handle has fired, nil otherwise.
func (c *Context) CheckAborted() error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("request %s aborted: %w", c.ID, err)
	}
	return nil
}

// CurrentInput returns the input for the upcoming turn; retries rewrite it.
func (c *Context) CurrentInput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentInput
}

// SetCurrentInput rewrites the input for the next turn.
func (c *Context) SetCurrentInput(input string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.currentInput = input
}

// Turn returns the current turn number (0 before the loop starts).
func (c *Context) Turn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// AdvanceTurn increments the turn counter and returns the new value.
func (c *Context) AdvanceTurn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return c.turn
	}
	c.turn++
	return c.turn
}

// ToolCallCount returns the total tool executions recorded so far.
func (c *Context) ToolCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolCallCount
}

// RecordAction appends a completed action and bumps the tool-call counter in
// one step, keeping the two in lockstep at every stable point.
func (c *Context) RecordAction(action models.CompletedAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.completedActions = append(c.completedActions, action)
	c.toolCallCount++
}

// CompletedActions returns a copy of the recorded actions.
func (c *Context) CompletedActions() []models.CompletedAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CompletedAction, len(c.completedActions))
	copy(out, c.completedActions)
	return out
}

// AddError records a tool failure for the next turn's prompt.
func (c *Context) AddError(tool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.failures = append(c.failures, models.ToolFailure{Tool: tool, Message: message})
}

// TakeFailures returns the accumulated failures and clears the list; the
// caller folds them into the next prompt.
func (c *Context) TakeFailures() []models.ToolFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.failures
	c.failures = nil
	return out
}

// QueueBackgroundError records an asynchronous process-level error for
// injection into the next prompt. Safe to call from listener goroutines.
func (c *Context) QueueBackgroundError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.pendingErrors = append(c.pendingErrors, message)
}

// DrainBackgroundErrors returns the queued background errors deduplicated in
// first-seen order and clears the queue.
func (c *Context) DrainBackgroundErrors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingErrors) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(c.pendingErrors))
	out := make([]string, 0, len(c.pendingErrors))
	for _, msg := range c.pendingErrors {
		if seen[msg] {
			continue
		}
		seen[msg] = true
		out = append(out, msg)
	}
	c.pendingErrors = nil
	return out
}

// Metadata returns the value stored under key.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// SetMetadata stores an arbitrary value on the request.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.metadata[key] = value
}

// Complete marks the request finished. Later mutations are ignored; calling
// Complete again is a no-op.
func (c *Context) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.completed = true
	c.completedAt = time.Now()
}

// Completed reports whether Complete has been called.
func (c *Context) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// StartedAt returns the request creation time.
func (c *Context) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// ElapsedMs returns milliseconds from creation until completion, or until
// now for a live request.
func (c *Context) ElapsedMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	end := c.completedAt
	if !c.completed {
		end = time.Now()
	}
	return end.Sub(c.startedAt).Milliseconds()
}

// DeriveRetry produces a sibling context for a retry attempt: fresh id,
// retryCount+1, rewritten input, reset loop counters. The sibling inherits
// only the cancellation handle; no mutable state is shared.
func (c *Context) DeriveRetry(newInput string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Context{
		ID:             uuid.New().String(),
		OriginalInput:  c.OriginalInput,
		Streaming:      c.Streaming,
		Sink:           c.Sink,
		Model:          c.Model,
		ResponseFormat: c.ResponseFormat,
		DryRun:         c.DryRun,
		MaxTurns:       c.MaxTurns,
		IsRetry:        true,
		RetryCount:     c.RetryCount + 1,
		ctx:            c.ctx,
		cancel:         c.cancel,
		currentInput:   newInput,
		metadata:       make(map[string]any),
		startedAt:      time.Now(),
	}
}

// BumpRetry marks an in-place quality retry on the same request.
func (c *Context) BumpRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.IsRetry = true
	c.RetryCount++
}
