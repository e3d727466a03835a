package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/axon/pkg/models"
)

// StateDirName is the workspace-local directory holding runtime state.
const StateDirName = ".axon"

// scheduleFileName is the persisted schedule set inside StateDirName.
const scheduleFileName = "schedules.json"

// FileStore persists the schedule set as a single JSON array in the
// workspace's .axon directory. Writes go through a temp file and rename so
// a crash never leaves a truncated file behind.
type FileStore struct {
	path string
}

// NewFileStore creates the state directory under workspaceDir if needed.
func NewFileStore(workspaceDir string) (*FileStore, error) {
	dir := filepath.Join(workspaceDir, StateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, scheduleFileName)}, nil
}

// Path returns the backing file location.
func (f *FileStore) Path() string { return f.path }

// Save writes the full schedule set.
func (f *FileStore) Save(schedules []*models.Schedule) error {
	data, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace schedules: %w", err)
	}
	return nil
}

// Load reads the schedule set. A missing file yields an empty set.
func (f *FileStore) Load() ([]*models.Schedule, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schedules: %w", err)
	}
	var schedules []*models.Schedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}
	return schedules, nil
}
