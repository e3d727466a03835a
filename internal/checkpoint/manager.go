package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/axon/internal/history"
	"github.com/haasonsaas/axon/internal/observability"
	"github.com/haasonsaas/axon/internal/request"
)

// Metadata keys the state machine sets on the request context; their values
// ride along in the snapshot.
const (
	MetaStatus        = "status"
	MetaCurrentAction = "currentAction"
)

// Manager writes request snapshots at phase boundaries and clears them on
// completion. All operations are best-effort: a failed write is logged and
// the request continues. A nil Manager or a Manager without a store is
// disabled and returns immediately.
type Manager struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "checkpoint")
		}
	}
}

// WithMetrics attaches runtime metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// New creates a Manager backed by store. A nil store disables checkpointing.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default().With("component", "checkpoint"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether snapshots are being written.
func (m *Manager) Enabled() bool {
	return m != nil && m.store != nil
}

// CheckpointRequest snapshots the request keyed by its id. The snapshot
// carries the loop counters, the original input, retry bookkeeping, the
// status/currentAction metadata, and a copy of the current history.
func (m *Manager) CheckpointRequest(ctx context.Context, rc *request.Context, hist *history.Store) {
	if !m.Enabled() || rc == nil {
		return
	}

	snap := &Snapshot{
		RequestID:     rc.ID,
		Turn:          rc.Turn(),
		ToolCallCount: rc.ToolCallCount(),
		OriginalInput: rc.OriginalInput,
		Model:         rc.Model,
		RetryCount:    rc.RetryCount,
		MaxTurns:      rc.MaxTurns,
		UpdatedAt:     time.Now(),
	}
	if v, ok := rc.Metadata(MetaStatus); ok {
		snap.Status, _ = v.(string)
	}
	if v, ok := rc.Metadata(MetaCurrentAction); ok {
		snap.CurrentAction, _ = v.(string)
	}
	if hist != nil {
		snap.History = hist.Get()
	}

	if err := m.store.Save(ctx, snap); err != nil {
		m.logger.Warn("checkpoint save failed",
			"request_id", rc.ID, "turn", snap.Turn, "error", err)
		if m.metrics != nil {
			m.metrics.RecordCheckpointWrite("error")
		}
		return
	}
	if m.metrics != nil {
		m.metrics.RecordCheckpointWrite("success")
	}
}

// CompleteRequest removes the snapshot for a finished request.
func (m *Manager) CompleteRequest(ctx context.Context, requestID string) {
	if !m.Enabled() || requestID == "" {
		return
	}
	if err := m.store.Delete(ctx, requestID); err != nil {
		m.logger.Warn("checkpoint clear failed",
			"request_id", requestID, "error", err)
	}
}

// Load returns the snapshot for a request id, nil when none exists.
func (m *Manager) Load(ctx context.Context, requestID string) (*Snapshot, error) {
	if !m.Enabled() {
		return nil, nil
	}
	return m.store.Load(ctx, requestID)
}

// Pending lists snapshots left behind by interrupted requests.
func (m *Manager) Pending(ctx context.Context) ([]*Snapshot, error) {
	if !m.Enabled() {
		return nil, nil
	}
	return m.store.List(ctx)
}
