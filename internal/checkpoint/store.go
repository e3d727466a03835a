// Package checkpoint persists in-flight request state so interrupted work
// can be inspected or resumed after a restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/axon/pkg/models"
)

// Snapshot captures where a request stood at its last stable point.
type Snapshot struct {
	RequestID     string           `json:"requestId"`
	Turn          int              `json:"turn"`
	ToolCallCount int              `json:"toolCallCount"`
	OriginalInput string           `json:"originalInput"`
	Model         string           `json:"model,omitempty"`
	RetryCount    int              `json:"retryCount"`
	MaxTurns      int              `json:"maxTurns"`
	Status        string           `json:"status,omitempty"`
	CurrentAction string           `json:"currentAction,omitempty"`
	History       []models.Message `json:"history,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy so stored snapshots never alias caller slices.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.History != nil {
		out.History = make([]models.Message, len(s.History))
		copy(out.History, s.History)
	}
	return &out
}

// Store persists snapshots keyed by request id.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns (nil, nil) when no snapshot exists for the id.
	Load(ctx context.Context, requestID string) (*Snapshot, error)
	Delete(ctx context.Context, requestID string) error
	List(ctx context.Context) ([]*Snapshot, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.RequestID == "" {
		return fmt.Errorf("snapshot requires a request id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.RequestID] = snap.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, requestID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snaps[requestID].Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, requestID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s.Clone())
	}
	return out, nil
}

// FileStore writes one JSON document per request under a directory,
// defaulting to the workspace's .axon/checkpoints. Writes go through a
// temp file and rename so a crash never leaves a half-written snapshot.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(requestID string) string {
	return filepath.Join(f.dir, requestID+".json")
}

func (f *FileStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.RequestID == "" {
		return fmt.Errorf("snapshot requires a request id")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	target := f.path(snap.RequestID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (f *FileStore) Load(_ context.Context, requestID string) (*Snapshot, error) {
	data, err := os.ReadFile(f.path(requestID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (f *FileStore) Delete(_ context.Context, requestID string) error {
	err := os.Remove(f.path(requestID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// List returns every parseable snapshot in the directory. Entries that fail
// to decode are skipped; recovery should not die on one corrupt file.
func (f *FileStore) List(ctx context.Context) ([]*Snapshot, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []*Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		snap, err := f.Load(ctx, id)
		if err != nil || snap == nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
