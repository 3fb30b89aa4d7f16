package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-task-pipeline/internal/models"
)

type tickingClock struct {
	t time.Time
}

func (c *tickingClock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newFileStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "tasks.json")
	backend, err := NewFileBackend(path)
	require.NoError(t, err)
	return New(backend, opts...), path
}

func TestCreateFillsDefaults(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	created, err := s.Create(ctx, models.TaskRecord{
		Type:    models.KindCreateBrand,
		Payload: models.Payload{Name: "Acme"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusQueued, created.Status)
	assert.Equal(t, "brand", created.Entity)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Nil(t, created.CompletedAt)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, models.StatusQueued, list[0].Status)
}

func TestCreateKeepsClientID(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	created, err := s.Create(ctx, models.TaskRecord{ID: "task-1", Type: models.KindCreatePurpose})
	require.NoError(t, err)
	assert.Equal(t, "task-1", created.ID)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	_, err := s.Create(ctx, models.TaskRecord{ID: "dup", Type: models.KindCreateBrand})
	require.NoError(t, err)
	_, err = s.Create(ctx, models.TaskRecord{ID: "dup", Type: models.KindCreateBrand})
	assert.ErrorIs(t, err, ErrDuplicateID)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateRejectsMissingType(t *testing.T) {
	s, _ := newFileStore(t)
	_, err := s.Create(context.Background(), models.TaskRecord{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestPatchMergesAndStampsCompletion(t *testing.T) {
	ctx := context.Background()
	clock := &tickingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, _ := newFileStore(t, WithClock(clock.now))

	created, err := s.Create(ctx, models.TaskRecord{ID: "t1", Type: models.KindCreateBrand})
	require.NoError(t, err)

	success := models.StatusSuccess
	result := json.RawMessage(`{"id":"acme","name":"Acme"}`)
	patched, err := s.Patch(ctx, "t1", Patch{Status: &success, Result: result})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, patched.Status)
	assert.JSONEq(t, string(result), string(patched.Result))
	assert.True(t, patched.UpdatedAt.After(created.UpdatedAt))
	require.NotNil(t, patched.CompletedAt)
	assert.Equal(t, patched.UpdatedAt, *patched.CompletedAt)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, list[0].Status)
}

func TestPatchTerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	_, err := s.Create(ctx, models.TaskRecord{ID: "t1", Type: models.KindCreateBrand})
	require.NoError(t, err)

	failed := models.StatusError
	msg := "Brand name already exists."
	_, err = s.Patch(ctx, "t1", Patch{Status: &failed, Error: &msg})
	require.NoError(t, err)

	success := models.StatusSuccess
	again, err := s.Patch(ctx, "t1", Patch{Status: &success, Result: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, again.Status)
	assert.Equal(t, msg, again.Error)
	assert.Empty(t, again.Result)
}

func TestPatchRejectsRegression(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	_, err := s.Create(ctx, models.TaskRecord{ID: "t1", Type: models.KindCreateBrand, Status: models.StatusProcessing})
	require.NoError(t, err)

	queued := models.StatusQueued
	_, err = s.Patch(ctx, "t1", Patch{Status: &queued})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPatchUnknownID(t *testing.T) {
	s, _ := newFileStore(t)
	success := models.StatusSuccess
	_, err := s.Patch(context.Background(), "missing", Patch{Status: &success})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionEvictsOldest(t *testing.T) {
	ctx := context.Background()
	clock := &tickingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(&memoryBackend{}, WithClock(clock.now))

	for i := 0; i < DefaultRetention+1; i++ {
		_, err := s.Create(ctx, models.TaskRecord{ID: fmt.Sprintf("t%04d", i), Type: models.KindCreateBrand})
		require.NoError(t, err)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, DefaultRetention)
	assert.Equal(t, "t1000", list[0].ID)
	assert.Equal(t, "t0001", list[len(list)-1].ID)
	for _, r := range list {
		assert.NotEqual(t, "t0000", r.ID)
	}
}

func TestCreateRejectsRecordOutsideWindow(t *testing.T) {
	ctx := context.Background()
	clock := &tickingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(&memoryBackend{}, WithClock(clock.now), WithRetention(3))

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, models.TaskRecord{ID: fmt.Sprintf("t%d", i), Type: models.KindCreateBrand})
		require.NoError(t, err)
	}

	_, err := s.Create(ctx, models.TaskRecord{
		ID:        "old",
		Type:      models.KindCreateBrand,
		CreatedAt: clock.t.Add(-time.Hour),
	})
	require.ErrorIs(t, err, ErrOutsideRetention)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "t0", list[2].ID, "nothing was evicted for the rejected record")

	_, err = s.Create(ctx, models.TaskRecord{ID: "new", Type: models.KindCreateBrand})
	require.NoError(t, err)
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "t1", list[2].ID)
}

func TestConcurrentPatchesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)
	const n = 40
	for i := 0; i < n; i++ {
		_, err := s.Create(ctx, models.TaskRecord{ID: fmt.Sprintf("t%02d", i), Type: models.KindCreateBrand})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			success := models.StatusSuccess
			_, err := s.Patch(ctx, id, Patch{Status: &success, Result: json.RawMessage(`{}`)})
			errs <- err
		}(fmt.Sprintf("t%02d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Total: n, Success: n}, stats)
}

func TestClearCompletedAndStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	for _, rec := range []models.TaskRecord{
		{ID: "a", Type: models.KindCreateBrand},
		{ID: "b", Type: models.KindCreateBrand, Status: models.StatusProcessing},
		{ID: "c", Type: models.KindCreateBrand, Status: models.StatusSuccess},
		{ID: "d", Type: models.KindCreateBrand, Status: models.StatusError, Error: "boom"},
	} {
		_, err := s.Create(ctx, rec)
		require.NoError(t, err)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Total: 4, Queued: 1, Processing: 1, Success: 1, Error: 1}, st)

	remaining, err := s.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Total: 2, Queued: 1, Processing: 1}, st)
}

func TestFileBackendLazyInit(t *testing.T) {
	s, path := newFileStore(t)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(data)))
}

func TestFileBackendEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	backend, err := NewFileBackend(path)
	require.NoError(t, err)

	records, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	backend, err := OpenSQLite(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	s := New(backend)
	_, err = s.Create(ctx, models.TaskRecord{
		ID:      "p1",
		Type:    models.KindCreateProduct,
		Payload: models.Payload{Name: "Chair", BrandID: "acme"},
	})
	require.NoError(t, err)

	success := models.StatusSuccess
	_, err = s.Patch(ctx, "p1", Patch{Status: &success, Result: json.RawMessage(`{"id":"chair"}`)})
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, models.KindCreateProduct, got.Type)
	assert.Equal(t, "product", got.Entity)
	assert.Equal(t, "acme", got.Payload.BrandID)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.JSONEq(t, `{"id":"chair"}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
}

type memoryBackend struct {
	records []models.TaskRecord
}

func (m *memoryBackend) Load(context.Context) ([]models.TaskRecord, error) {
	return append([]models.TaskRecord(nil), m.records...), nil
}

func (m *memoryBackend) Save(_ context.Context, records []models.TaskRecord) error {
	m.records = append([]models.TaskRecord(nil), records...)
	return nil
}
