package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"catalog-task-pipeline/internal/fsutil"
	"catalog-task-pipeline/internal/models"
)

// FileBackend keeps the collection as a JSON array in a single file.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) (*FileBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("task store path is required")
	}
	return &FileBackend{path: path}, nil
}

// Load reads the collection, creating an empty one when the file is missing.
func (f *FileBackend) Load(_ context.Context) ([]models.TaskRecord, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := fsutil.WriteFileAtomic(f.path, []byte("[]\n"), 0o644); err != nil {
			return nil, fmt.Errorf("init %s: %w", f.path, err)
		}
		return []models.TaskRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []models.TaskRecord{}, nil
	}
	var records []models.TaskRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return records, nil
}

func (f *FileBackend) Save(_ context.Context, records []models.TaskRecord) error {
	if records == nil {
		records = []models.TaskRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task records: %w", err)
	}
	return fsutil.WriteFileAtomic(f.path, append(data, '\n'), 0o644)
}
