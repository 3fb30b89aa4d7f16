package executor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"catalog-task-pipeline/internal/fsutil"
	"catalog-task-pipeline/internal/models"
)

const (
	stateVersion  = 1
	stateFileName = "task-store.v1.json"
)

var ErrStateVersion = errors.New("local task state version mismatch")

type stateDoc struct {
	Version int                 `json:"version"`
	Tasks   []models.TaskRecord `json:"tasks"`
}

// LocalState keeps the client's task collection in a versioned JSON file.
type LocalState struct {
	path string
}

func NewLocalState(dir string) *LocalState {
	return &LocalState{path: filepath.Join(dir, stateFileName)}
}

func (s *LocalState) Path() string { return s.path }

// Load returns the stored records, or nil when nothing was saved yet.
func (s *LocalState) Load() ([]models.TaskRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Version != stateVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrStateVersion, doc.Version, stateVersion)
	}
	if doc.Tasks == nil {
		doc.Tasks = []models.TaskRecord{}
	}
	return doc.Tasks, nil
}

func (s *LocalState) Save(records []models.TaskRecord) error {
	if records == nil {
		records = []models.TaskRecord{}
	}
	data, err := json.MarshalIndent(stateDoc{Version: stateVersion, Tasks: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode local task state: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, append(data, '\n'), 0o600)
}
