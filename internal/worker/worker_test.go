package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsoftware/dispatchbox/internal/domain"
	"github.com/magsoftware/dispatchbox/internal/registry"
)

type fakeBatch struct {
	mu        sync.Mutex
	events    []domain.Event
	claimCtx  context.Context
	succeeded []int64
	failed    []int64
	retryTo   domain.Status
	markErr   error
	committed bool
	closed    bool
}

func (b *fakeBatch) Events() []domain.Event { return b.events }

// txErr models the database/sql contract: a transaction begun on a canceled
// context is rolled back, and statements against it fail.
func (b *fakeBatch) txErr() error {
	if b.claimCtx != nil && b.claimCtx.Err() != nil {
		return errors.New("sql: transaction has already been committed or rolled back")
	}
	return nil
}

func (b *fakeBatch) MarkSuccess(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.txErr(); err != nil {
		return err
	}
	if b.markErr != nil {
		return b.markErr
	}
	b.succeeded = append(b.succeeded, id)
	return nil
}

func (b *fakeBatch) MarkRetryOrDead(ctx context.Context, id int64) (domain.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.txErr(); err != nil {
		return "", err
	}
	if b.markErr != nil {
		return "", b.markErr
	}
	b.failed = append(b.failed, id)
	if b.retryTo == "" {
		return domain.StatusRetry, nil
	}
	return b.retryTo, nil
}

func (b *fakeBatch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.txErr(); err != nil {
		return err
	}
	b.committed = true
	return nil
}

func (b *fakeBatch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// fakeStore serves a scripted sequence of batches, then cancels the run
// context so Run returns.
type fakeStore struct {
	batches    []*fakeBatch
	claims     int
	ensureErrs []error
	cancel     context.CancelFunc
}

func (s *fakeStore) EnsureConnected(ctx context.Context) error {
	if len(s.ensureErrs) == 0 {
		return nil
	}
	err := s.ensureErrs[0]
	s.ensureErrs = s.ensureErrs[1:]
	return err
}

func (s *fakeStore) ClaimDue(ctx context.Context, batchSize int) (Batch, error) {
	if s.claims >= len(s.batches) {
		s.cancel()
		return &fakeBatch{}, nil
	}
	b := s.batches[s.claims]
	b.claimCtx = ctx
	s.claims++
	return b, nil
}

func event(id int64, eventType string) domain.Event {
	return domain.Event{
		ID:        id,
		EventType: eventType,
		Payload:   json.RawMessage(`{}`),
		Status:    domain.StatusPending,
		NextRunAt: time.Now().UTC(),
	}
}

func runWorker(t *testing.T, store *fakeStore, reg *registry.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.cancel = cancel

	w, err := New(store, reg, Config{
		Name:         "worker-test",
		BatchSize:    10,
		PollInterval: time.Millisecond,
		MaxParallel:  4,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Run(ctx))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, registry.New(), Config{}, nil)
	assert.Error(t, err)
	_, err = New(&fakeStore{}, nil, Config{}, nil)
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	w, err := New(&fakeStore{}, registry.New(), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, w.cfg.BatchSize)
	assert.Equal(t, DefaultPollInterval, w.cfg.PollInterval)
	assert.Equal(t, DefaultMaxParallel, w.cfg.MaxParallel)
	assert.Equal(t, "worker", w.cfg.Name)
}

func TestRunMarksSuccess(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, p json.RawMessage) error {
		return nil
	}))

	batch := &fakeBatch{events: []domain.Event{event(1, "order.created"), event(2, "order.created")}}
	store := &fakeStore{batches: []*fakeBatch{batch}}
	runWorker(t, store, reg)

	assert.ElementsMatch(t, []int64{1, 2}, batch.succeeded)
	assert.Empty(t, batch.failed)
	assert.True(t, batch.committed)
}

func TestRunMarksRetryOnHandlerError(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, p json.RawMessage) error {
		return errors.New("smtp unavailable")
	}))

	batch := &fakeBatch{events: []domain.Event{event(1, "order.created")}}
	store := &fakeStore{batches: []*fakeBatch{batch}}
	runWorker(t, store, reg)

	assert.Empty(t, batch.succeeded)
	assert.Equal(t, []int64{1}, batch.failed)
	assert.True(t, batch.committed)
}

func TestRunHandlerNotFoundIsFailureOutcome(t *testing.T) {
	batch := &fakeBatch{events: []domain.Event{event(1, "unknown.type")}}
	store := &fakeStore{batches: []*fakeBatch{batch}}
	runWorker(t, store, registry.New())

	assert.Equal(t, []int64{1}, batch.failed)
	assert.True(t, batch.committed)
}

func TestRunHandlerPanicIsFailureOutcome(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, p json.RawMessage) error {
		panic("boom")
	}))

	batch := &fakeBatch{events: []domain.Event{event(1, "order.created")}}
	store := &fakeStore{batches: []*fakeBatch{batch}}
	runWorker(t, store, reg)

	assert.Equal(t, []int64{1}, batch.failed)
	assert.True(t, batch.committed)
}

func TestRunSkipsEventWithoutID(t *testing.T) {
	called := false
	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, p json.RawMessage) error {
		called = true
		return nil
	}))

	batch := &fakeBatch{events: []domain.Event{event(0, "order.created")}}
	store := &fakeStore{batches: []*fakeBatch{batch}}
	runWorker(t, store, reg)

	assert.False(t, called)
	assert.Empty(t, batch.succeeded)
	assert.Empty(t, batch.failed)
	assert.True(t, batch.committed)
}

func TestRunMixedOutcomes(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("ok.type", func(ctx context.Context, p json.RawMessage) error {
		return nil
	}))
	require.NoError(t, reg.Register("bad.type", func(ctx context.Context, p json.RawMessage) error {
		return errors.New("downstream 500")
	}))

	batch := &fakeBatch{
		events:  []domain.Event{event(1, "ok.type"), event(2, "bad.type"), event(3, "missing.type")},
		retryTo: domain.StatusDead,
	}
	store := &fakeStore{batches: []*fakeBatch{batch}}
	runWorker(t, store, reg)

	assert.Equal(t, []int64{1}, batch.succeeded)
	assert.ElementsMatch(t, []int64{2, 3}, batch.failed)
	assert.True(t, batch.committed)
}

func TestRunClosesEmptyBatchAndPolls(t *testing.T) {
	empty := &fakeBatch{}
	work := &fakeBatch{events: []domain.Event{event(1, "order.created")}}
	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, p json.RawMessage) error {
		return nil
	}))

	store := &fakeStore{batches: []*fakeBatch{empty, work}}
	runWorker(t, store, reg)

	assert.True(t, empty.closed)
	assert.False(t, empty.committed)
	assert.True(t, work.committed)
}

func TestRunRetriesAfterConnectionFailure(t *testing.T) {
	batch := &fakeBatch{events: []domain.Event{event(1, "order.created")}}
	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, p json.RawMessage) error {
		return nil
	}))

	store := &fakeStore{
		batches:    []*fakeBatch{batch},
		ensureErrs: []error{errors.New("connection refused"), nil},
	}
	runWorker(t, store, reg)

	assert.True(t, batch.committed)
	assert.Equal(t, []int64{1}, batch.succeeded)
}

func TestRunStopMidBatchCommitsOutcomes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(hctx context.Context, p json.RawMessage) error {
		// The stop signal arrives while the handler is running; the batch
		// must still complete and commit.
		cancel()
		return nil
	}))

	batch := &fakeBatch{events: []domain.Event{event(1, "order.created")}}
	store := &fakeStore{batches: []*fakeBatch{batch}, cancel: cancel}

	w, err := New(store, reg, Config{PollInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Run(ctx))

	assert.Equal(t, []int64{1}, batch.succeeded)
	assert.True(t, batch.committed)
	assert.Equal(t, 1, store.claims)
}

func TestRunAbortsBatchOnMarkFailure(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, p json.RawMessage) error {
		return nil
	}))

	batch := &fakeBatch{
		events:  []domain.Event{event(1, "order.created")},
		markErr: errors.New("connection reset"),
	}
	store := &fakeStore{batches: []*fakeBatch{batch}}
	runWorker(t, store, reg)

	assert.True(t, batch.closed)
	assert.False(t, batch.committed)
}
