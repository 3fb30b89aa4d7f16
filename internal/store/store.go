package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalog-task-pipeline/internal/models"
)

// DefaultRetention is the number of most recent records kept by a Store.
const DefaultRetention = 1000

var (
	ErrNotFound          = errors.New("task record not found")
	ErrDuplicateID       = errors.New("task record id already exists")
	ErrInvalidRecord     = errors.New("invalid task record")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOutsideRetention  = errors.New("task record older than the retained window")
)

// Backend loads and saves the whole backing collection. Implementations do not
// need to be safe for concurrent use; Store serializes every call.
type Backend interface {
	Load(ctx context.Context) ([]models.TaskRecord, error)
	Save(ctx context.Context, records []models.TaskRecord) error
}

// Store is the durable, trimmed log of task records. Every operation is a
// read-modify-write of the backing collection under a single lock.
type Store struct {
	mu        sync.Mutex
	backend   Backend
	retention int
	now       func() time.Time
	newID     func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithRetention caps the number of records kept.
func WithRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		retention: DefaultRetention,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Patch is a partial task record. Nil fields are left untouched.
type Patch struct {
	Status      *models.Status  `json:"status,omitempty"`
	Payload     *models.Payload `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// List returns all records, newest first.
func (s *Store) List(ctx context.Context) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Create stores a new record, filling in id, status and timestamps when absent.
func (s *Store) Create(ctx context.Context, rec models.TaskRecord) (models.TaskRecord, error) {
	if rec.Type == "" {
		return models.TaskRecord{}, fmt.Errorf("%w: type is required", ErrInvalidRecord)
	}
	if rec.Status == "" {
		rec.Status = models.StatusQueued
	}
	if !rec.Status.Valid() {
		return models.TaskRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, rec.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return models.TaskRecord{}, err
	}

	now := s.now()
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	for _, r := range records {
		if r.ID == rec.ID {
			return models.TaskRecord{}, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
	}
	if rec.Entity == "" {
		rec.Entity = rec.Type.Entity()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status.Terminal() && rec.CompletedAt == nil {
		completed := rec.UpdatedAt
		rec.CompletedAt = &completed
	}

	if len(records) >= s.retention && insertPosition(records, rec) >= s.retention {
		return models.TaskRecord{}, fmt.Errorf("%w: %s", ErrOutsideRetention, rec.ID)
	}
	records = insertNewestFirst(records, rec)
	if len(records) > s.retention {
		records = records[:s.retention]
	}
	if err := s.backend.Save(ctx, records); err != nil {
		return models.TaskRecord{}, fmt.Errorf("save task records: %w", err)
	}
	return rec, nil
}

// Patch merges p into the record with the given id. Terminal records are
// immutable: patching one returns it unchanged.
func (s *Store) Patch(ctx context.Context, id string, p Patch) (models.TaskRecord, error) {
	if p.Status != nil && !p.Status.Valid() {
		return models.TaskRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, *p.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return models.TaskRecord{}, err
	}
	idx := -1
	for i := range records {
		if records[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return models.TaskRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec := records[idx]
	if rec.Status.Terminal() {
		return rec, nil
	}
	merged, err := applyPatch(rec, p, s.now())
	if err != nil {
		return models.TaskRecord{}, err
	}
	records[idx] = merged
	if err := s.backend.Save(ctx, records); err != nil {
		return models.TaskRecord{}, fmt.Errorf("save task records: %w", err)
	}
	return merged, nil
}

// Stats counts records by status over the retained window.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	records, err := s.List(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	return models.CountStats(records), nil
}

// ClearCompleted drops terminal records and returns how many remain.
func (s *Store) ClearCompleted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	active := make([]models.TaskRecord, 0, len(records))
	for _, r := range records {
		if !r.Status.Terminal() {
			active = append(active, r)
		}
	}
	if err := s.backend.Save(ctx, active); err != nil {
		return 0, fmt.Errorf("save task records: %w", err)
	}
	return len(active), nil
}

func (s *Store) load(ctx context.Context) ([]models.TaskRecord, error) {
	records, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load task records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func applyPatch(rec models.TaskRecord, p Patch, now time.Time) (models.TaskRecord, error) {
	if p.Payload != nil {
		rec.Payload = *p.Payload
	}
	if p.Status != nil && *p.Status != rec.Status {
		if rank(*p.Status) < rank(rec.Status) {
			return models.TaskRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, *p.Status)
		}
		rec.Status = *p.Status
	}
	if rec.UpdatedAt.Before(now) {
		rec.UpdatedAt = now
	}
	switch rec.Status {
	case models.StatusSuccess:
		rec.Result = p.Result
		rec.Error = ""
	case models.StatusError:
		rec.Result = nil
		if p.Error != nil {
			rec.Error = *p.Error
		}
	}
	if rec.Status.Terminal() {
		completed := rec.UpdatedAt
		if p.CompletedAt != nil {
			completed = *p.CompletedAt
		}
		rec.CompletedAt = &completed
	}
	return rec, nil
}

func rank(s models.Status) int {
	switch s {
	case models.StatusQueued:
		return 0
	case models.StatusProcessing:
		return 1
	default:
		return 2
	}
}

// insertPosition is the index rec takes in a newest-first slice.
func insertPosition(records []models.TaskRecord, rec models.TaskRecord) int {
	return sort.Search(len(records), func(i int) bool {
		return !records[i].CreatedAt.After(rec.CreatedAt)
	})
}

func insertNewestFirst(records []models.TaskRecord, rec models.TaskRecord) []models.TaskRecord {
	i := insertPosition(records, rec)
	records = append(records, models.TaskRecord{})
	copy(records[i+1:], records[i:])
	records[i] = rec
	return records
}
