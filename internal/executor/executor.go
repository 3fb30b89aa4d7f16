package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-task-pipeline/internal/models"
)

const (
	maxLocalTasks   = 1000
	persistBuffer   = 256
	persistTimeout  = 10 * time.Second
	confirmationMsg = "timed out waiting for confirmation"
)

var (
	ErrValidation  = errors.New("invalid task payload")
	ErrUnknownKind = errors.New("unknown task kind")
	ErrClosed      = errors.New("executor closed")
)

// RecordSink mirrors local task records to the server-side store.
type RecordSink interface {
	CreateRecord(ctx context.Context, rec models.TaskRecord) error
	UpdateRecord(ctx context.Context, rec models.TaskRecord) error
	ListRecords(ctx context.Context) ([]models.TaskRecord, error)
}

type persistOp struct {
	create bool
	rec    models.TaskRecord
}

// Executor runs task records one at a time, oldest queued first. A record
// dispatched without error stays processing until Finalize is called for it
// or the confirmation timeout fires.
type Executor struct {
	mu       sync.Mutex
	tasks    []models.TaskRecord // newest first
	draining bool
	settled  chan struct{}
	waiting  map[string]chan struct{}
	closed   bool

	dispatch       map[models.Kind]Dispatcher
	sink           RecordSink
	state          *LocalState
	confirmTimeout time.Duration
	log            logrus.FieldLogger
	now            func() time.Time
	newID          func() string

	ctx     context.Context
	cancel  context.CancelFunc
	persist chan persistOp
	wg      sync.WaitGroup
}

type Option func(*Executor)

// WithConfirmTimeout bounds how long a dispatched record waits for its push
// confirmation. Zero waits forever.
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Executor) { e.confirmTimeout = d }
}

// WithLocalState persists the local collection across restarts.
func WithLocalState(s *LocalState) Option {
	return func(e *Executor) { e.state = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New builds an executor. Every known kind must have a dispatcher. sink may be
// nil, in which case nothing is mirrored to the server.
func New(dispatch map[models.Kind]Dispatcher, sink RecordSink, log logrus.FieldLogger, opts ...Option) (*Executor, error) {
	for _, k := range models.Kinds() {
		if dispatch[k] == nil {
			return nil, fmt.Errorf("%w: no dispatcher for %s", ErrUnknownKind, k)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		tasks:    []models.TaskRecord{},
		waiting:  make(map[string]chan struct{}),
		dispatch: dispatch,
		sink:     sink,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		persist:  make(chan persistOp, persistBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.state != nil {
		records, err := e.state.Load()
		if err != nil {
			e.log.WithError(err).WithField("path", e.state.Path()).Warn("discarding local task state")
		} else if records != nil {
			e.tasks = records
			sortNewestFirst(e.tasks)
		}
	}

	if e.sink != nil {
		e.wg.Add(1)
		go e.persistLoop()
	}
	return e, nil
}

// Enqueue validates payload for kind, records a queued task and starts
// draining if the executor is idle.
func (e *Executor) Enqueue(kind models.Kind, payload models.Payload) (models.TaskRecord, error) {
	if !kind.Valid() {
		return models.TaskRecord{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := Validate(kind, payload); err != nil {
		return models.TaskRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return models.TaskRecord{}, ErrClosed
	}

	rec := models.NewTaskRecord(e.newID(), kind, payload, e.now())
	e.tasks = append([]models.TaskRecord{rec}, e.tasks...)
	e.trimLocked()
	e.saveLocked()
	e.persistLocked(persistOp{create: true, rec: rec})
	e.kickLocked()

	e.log.WithFields(logrus.Fields{"task_id": rec.ID, "type": rec.Type}).Info("task queued")
	return rec, nil
}

// Finalize moves the record into a terminal status. It is a no-op for unknown
// ids and for records that are already terminal.
func (e *Executor) Finalize(id string, status models.Status, result json.RawMessage, errMsg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finalizeLocked(id, status, result, errMsg) {
		return false
	}
	e.persistLocked(persistOp{rec: e.tasks[e.indexLocked(id)]})
	e.kickLocked()
	return true
}

// Sync pulls the server's records and converges the local collection:
// local records the server already finalized are finalized here, terminal
// server records unknown locally are imported, and local records the server
// has never seen are sent again.
func (e *Executor) Sync(ctx context.Context) error {
	if e.sink == nil {
		return nil
	}
	remote, err := e.sink.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("sync task records: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(remote))
	converged, imported := 0, 0
	for _, r := range remote {
		seen[r.ID] = struct{}{}
		idx := e.indexLocked(r.ID)
		if idx == -1 {
			if r.Status.Terminal() {
				e.tasks = insertNewestFirst(e.tasks, r)
				imported++
			}
			continue
		}
		if r.Status.Terminal() && e.finalizeLocked(r.ID, r.Status, r.Result, r.Error) {
			converged++
		}
	}
	for _, l := range e.tasks {
		if _, ok := seen[l.ID]; !ok && !l.Status.Terminal() {
			e.persistLocked(persistOp{create: true, rec: l})
		}
	}
	e.trimLocked()
	if imported > 0 {
		e.saveLocked()
	}
	e.kickLocked()

	e.log.WithFields(logrus.Fields{"converged": converged, "imported": imported}).Info("task records synced")
	return nil
}

// ClearCompleted drops terminal records locally and returns how many remain.
func (e *Executor) ClearCompleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	active := make([]models.TaskRecord, 0, len(e.tasks))
	for _, t := range e.tasks {
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	e.tasks = active
	e.saveLocked()
	return len(active)
}

func (e *Executor) Stats() models.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.CountStats(e.tasks)
}

// Tasks returns a snapshot of the local collection, newest first.
func (e *Executor) Tasks() []models.TaskRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.TaskRecord(nil), e.tasks...)
}

func (e *Executor) Get(id string) (models.TaskRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexLocked(id)
	if idx == -1 {
		return models.TaskRecord{}, false
	}
	return e.tasks[idx], true
}

// Wait blocks until no drain loop is running and nothing is queued.
func (e *Executor) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if !e.draining && !e.hasQueuedLocked() {
			e.mu.Unlock()
			return nil
		}
		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}
		if !e.draining {
			e.kickLocked()
		}
		settled := e.settled
		e.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops draining and flushes pending server updates.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cancel()
	close(e.persist)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Executor) drain() {
	defer e.wg.Done()
	for {
		rec, done, ok := e.next()
		if !ok {
			return
		}
		log := e.log.WithFields(logrus.Fields{"task_id": rec.ID, "type": rec.Type})
		log.Info("dispatching task")

		if err := e.dispatch[rec.Type].Dispatch(e.ctx, rec); err != nil {
			if e.ctx.Err() != nil {
				e.stopDrain()
				return
			}
			log.WithError(err).Warn("task dispatch failed")
			e.Finalize(rec.ID, models.StatusError, nil, failureMessage(err))
			continue
		}
		if !e.awaitConfirmation(rec.ID, done) {
			e.stopDrain()
			return
		}
	}
}

// next claims the oldest queued record, or ends the drain loop when there is
// none.
func (e *Executor) next() (models.TaskRecord, chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i := len(e.tasks) - 1; i >= 0; i-- {
		if e.tasks[i].Status == models.StatusQueued {
			idx = i
			break
		}
	}
	if idx == -1 || e.ctx.Err() != nil {
		e.draining = false
		close(e.settled)
		return models.TaskRecord{}, nil, false
	}

	e.tasks[idx].Start(e.now())
	done := make(chan struct{})
	e.waiting[e.tasks[idx].ID] = done
	e.saveLocked()
	return e.tasks[idx], done, true
}

func (e *Executor) awaitConfirmation(id string, done <-chan struct{}) bool {
	var timeout <-chan time.Time
	if e.confirmTimeout > 0 {
		t := time.NewTimer(e.confirmTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-done:
		return true
	case <-timeout:
		e.log.WithField("task_id", id).Warn("no confirmation received")
		e.Finalize(id, models.StatusError, nil, confirmationMsg)
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *Executor) stopDrain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		e.draining = false
		close(e.settled)
	}
}

func (e *Executor) kickLocked() {
	if e.draining || e.closed || !e.hasQueuedLocked() {
		return
	}
	e.draining = true
	e.settled = make(chan struct{})
	e.wg.Add(1)
	go e.drain()
}

func (e *Executor) finalizeLocked(id string, status models.Status, result json.RawMessage, errMsg string) bool {
	idx := e.indexLocked(id)
	if idx == -1 {
		e.log.WithField("task_id", id).Debug("finalize for unknown task ignored")
		return false
	}
	if !e.tasks[idx].Finalize(status, result, errMsg, e.now()) {
		return false
	}
	if done, ok := e.waiting[id]; ok {
		close(done)
		delete(e.waiting, id)
	}
	e.saveLocked()

	log := e.log.WithFields(logrus.Fields{"task_id": id, "status": status})
	if status == models.StatusError {
		log = log.WithField("error", errMsg)
	}
	log.Info("task finished")
	return true
}

// trimLocked evicts the oldest terminal records until the collection fits
// maxLocalTasks. Queued and processing records are never evicted, so the
// collection may exceed the cap while they are outstanding.
func (e *Executor) trimLocked() {
	excess := len(e.tasks) - maxLocalTasks
	if excess <= 0 {
		return
	}
	evict := make(map[int]bool, excess)
	for i := len(e.tasks) - 1; i >= 0 && len(evict) < excess; i-- {
		if e.tasks[i].Status.Terminal() {
			evict[i] = true
		}
	}
	kept := make([]models.TaskRecord, 0, len(e.tasks)-len(evict))
	for i, t := range e.tasks {
		if !evict[i] {
			kept = append(kept, t)
		}
	}
	e.tasks = kept
}

func (e *Executor) hasQueuedLocked() bool {
	for _, t := range e.tasks {
		if t.Status == models.StatusQueued {
			return true
		}
	}
	return false
}

func (e *Executor) indexLocked(id string) int {
	for i := range e.tasks {
		if e.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Executor) saveLocked() {
	if e.state == nil {
		return
	}
	if err := e.state.Save(e.tasks); err != nil {
		e.log.WithError(err).Warn("save local task state")
	}
}

func (e *Executor) persistLocked(op persistOp) {
	if e.sink == nil || e.closed {
		return
	}
	select {
	case e.persist <- op:
	default:
		e.log.WithField("task_id", op.rec.ID).Warn("persist buffer full, dropping server update")
	}
}

func (e *Executor) persistLoop() {
	defer e.wg.Done()
	for op := range e.persist {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		var err error
		if op.create {
			err = e.sink.CreateRecord(ctx, op.rec)
		} else {
			err = e.sink.UpdateRecord(ctx, op.rec)
		}
		cancel()
		if err != nil {
			e.log.WithError(err).WithField("task_id", op.rec.ID).Warn("persist task record")
		}
	}
}

func sortNewestFirst(records []models.TaskRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func insertNewestFirst(records []models.TaskRecord, rec models.TaskRecord) []models.TaskRecord {
	i := sort.Search(len(records), func(i int) bool {
		return !records[i].CreatedAt.After(rec.CreatedAt)
	})
	records = append(records, models.TaskRecord{})
	copy(records[i+1:], records[i:])
	records[i] = rec
	return records
}
