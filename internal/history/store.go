// Package history maintains the ordered conversation message log for one
// conversation, enforces the context-window budget, and syncs the active
// snapshot to a persistence backend.
package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/axon/pkg/models"
)

// DefaultMaxContextTokens is the trimming budget when none is configured.
const DefaultMaxContextTokens = 128000

// Persister stores conversation snapshots. Persistence failures are warnings
// to the store, never fatal; in-memory state is the source of truth.
type Persister interface {
	Save(ctx context.Context, conversationID string, messages []models.Message) error
	Load(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Store holds one conversation's messages in append order. It is shared by
// the state machine and the model client; concurrent conversations use
// distinct stores.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	messages       []models.Message
	maxTokens      int
	persister      Persister
	logger         *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxContextTokens sets the trimming budget.
func WithMaxContextTokens(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithPersister attaches a persistence backend for SaveActive.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "history")
		}
	}
}

// New creates an empty store for one conversation.
func New(conversationID string, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		maxTokens:      DefaultMaxContextTokens,
		logger:         slog.Default().With("component", "history"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the id this store belongs to.
func (s *Store) ConversationID() string { return s.conversationID }

// Get returns a copy of the message log.
func (s *Store) Get() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Set replaces the message log.
func (s *Store) Set(messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]models.Message, len(messages))
	copy(s.messages, messages)
}

// Append adds messages to the end of the log.
func (s *Store) Append(messages ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, messages...)
}

// Len returns the current message count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// EnforceContextLimits trims the oldest non-system entries until the log is
// within the token budget. An assistant message carrying tool calls and the
// tool messages answering it form an indivisible group: either all stay or
// all go. Call after every append boundary.
func (s *Store) EnforceContextLimits() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.estimateTokens() <= s.maxTokens {
		return
	}

	groups := s.groupMessages()
	removed := 0
	for s.estimateTokens() > s.maxTokens {
		idx := -1
		for i, g := range groups {
			if !g.system && !g.removed {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		groups[idx].removed = true
		removed += len(groups[idx].messages)
		s.rebuildFromGroups(groups)
	}

	if removed > 0 {
		s.logger.Debug("trimmed conversation history",
			"conversation_id", s.conversationID,
			"removed_messages", removed,
			"remaining", len(s.messages))
	}
}

type messageGroup struct {
	messages []models.Message
	system   bool
	removed  bool
}

// groupMessages partitions the log so that an assistant tool-call batch and
// its answering tool messages land in one group.
func (s *Store) groupMessages() []*messageGroup {
	var groups []*messageGroup
	i := 0
	for i < len(s.messages) {
		msg := s.messages[i]
		g := &messageGroup{system: msg.Role == models.RoleSystem}
		g.messages = append(g.messages, msg)
		i++
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			for i < len(s.messages) && s.messages[i].Role == models.RoleTool {
				g.messages = append(g.messages, s.messages[i])
				i++
			}
		}
		groups = append(groups, g)
	}
	return groups
}

func (s *Store) rebuildFromGroups(groups []*messageGroup) {
	rebuilt := s.messages[:0:0]
	for _, g := range groups {
		if g.removed {
			continue
		}
		rebuilt = append(rebuilt, g.messages...)
	}
	s.messages = rebuilt
}

// estimateTokens approximates the log's token footprint with the chars/4
// heuristic, counting content and tool-call payloads.
func (s *Store) estimateTokens() int {
	total := 0
	for _, msg := range s.messages {
		total += len(msg.Content) / 4
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Name) + len(tc.Input)) / 4
		}
	}
	return total
}

// SaveActive persists the current snapshot. Failures are logged as warnings
// and swallowed; the in-memory log remains authoritative.
func (s *Store) SaveActive(ctx context.Context) {
	if s.persister == nil {
		return
	}
	snapshot := s.Get()
	if err := s.persister.Save(ctx, s.conversationID, snapshot); err != nil {
		s.logger.Warn("history persistence failed",
			"conversation_id", s.conversationID,
			"error", err)
	}
}

// Restore replaces the log from the persistence backend. Missing
// conversations leave the store empty without error.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	messages, err := s.persister.Load(ctx, s.conversationID)
	if err != nil {
		return err
	}
	if messages != nil {
		s.Set(messages)
	}
	return nil
}
