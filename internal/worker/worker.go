// Package worker implements the single-instance dispatch loop: claim a batch
// of due events, run their handlers on a bounded executor, and commit per-row
// outcomes inside the claim transaction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/magsoftware/dispatchbox/internal/domain"
	"github.com/magsoftware/dispatchbox/internal/registry"
)

// Batch is one claimed set of due events plus the open transaction holding
// their row locks. Outcomes marked on the batch become visible on Commit;
// Close rolls back anything uncommitted.
type Batch interface {
	Events() []domain.Event
	MarkSuccess(ctx context.Context, eventID int64) error
	MarkRetryOrDead(ctx context.Context, eventID int64) (domain.Status, error)
	Commit() error
	Close() error
}

// Store is the slice of the repository the worker drives.
type Store interface {
	EnsureConnected(ctx context.Context) error
	ClaimDue(ctx context.Context, batchSize int) (Batch, error)
}

const (
	DefaultBatchSize    = 10
	DefaultPollInterval = 1 * time.Second
	DefaultMaxParallel  = 10
)

type Config struct {
	Name         string
	BatchSize    int
	PollInterval time.Duration
	MaxParallel  int
}

// Worker owns one store (one DB connection), one bounded executor, and one
// handler registry. The main loop runs on a single goroutine; only handler
// execution fans out.
type Worker struct {
	store    Store
	registry *registry.Registry
	cfg      Config
	log      *slog.Logger
}

func New(store Store, reg *registry.Registry, cfg Config, logger *slog.Logger) (*Worker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		registry: reg,
		cfg:      cfg,
		log:      logger.With("worker", cfg.Name),
	}, nil
}

// Run polls for due events until ctx is canceled. The stop signal is checked
// at loop boundaries only: a batch in flight when the signal arrives runs its
// handlers to completion and commits its outcomes before the loop exits.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval,
		"max_parallel", w.cfg.MaxParallel,
		"handlers", w.registry.Names())

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}

		if err := w.store.EnsureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("database unavailable", "err", err)
			_ = sleepContext(ctx, w.cfg.PollInterval)
			continue
		}

		// The whole batch, claim transaction included, runs on a detached
		// context: BeginTx ties the transaction to its context, so claiming
		// on the stop-signal context would roll the claim back mid-batch and
		// turn every graceful shutdown into a crash-shaped abort. The check
		// at the loop top keeps new claims from starting after the signal,
		// and the statement timeout still bounds each database trip.
		batchCtx := context.WithoutCancel(ctx)

		batch, err := w.store.ClaimDue(batchCtx, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("claim failed", "err", err)
			_ = sleepContext(ctx, w.cfg.PollInterval)
			continue
		}

		if len(batch.Events()) == 0 {
			_ = batch.Close()
			_ = sleepContext(ctx, w.cfg.PollInterval)
			continue
		}

		w.processBatch(batchCtx, batch)
	}
}

func (w *Worker) processBatch(ctx context.Context, batch Batch) {
	events := batch.Events()
	log := w.log.With("trace_id", uuid.New().String())
	log.Debug("claimed batch", "count", len(events))

	results := make([]error, len(events))
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.MaxParallel)
	for i, ev := range events {
		if ev.ID == 0 {
			continue
		}
		g.Go(func() error {
			results[i] = w.invoke(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	for i, ev := range events {
		if ev.ID == 0 {
			// Schema corruption; never fatal for the worker.
			log.Error("event has no id, skipping",
				"event_type", ev.EventType, "aggregate_id", ev.AggregateID)
			continue
		}
		if results[i] == nil {
			if err := batch.MarkSuccess(ctx, ev.ID); err != nil {
				log.Error("mark success failed, aborting batch", "event_id", ev.ID, "err", err)
				_ = batch.Close()
				return
			}
			log.Debug("event processed", "event_id", ev.ID, "event_type", ev.EventType)
			continue
		}

		log.Error("event processing failed", "event_id", ev.ID,
			"event_type", ev.EventType, "err", results[i])
		status, err := batch.MarkRetryOrDead(ctx, ev.ID)
		if err != nil {
			log.Error("mark retry failed, aborting batch", "event_id", ev.ID, "err", err)
			_ = batch.Close()
			return
		}
		if status == domain.StatusDead {
			log.Warn("event exceeded max attempts, marked dead",
				"event_id", ev.ID, "attempts", ev.Attempts+1)
		}
	}

	if err := batch.Commit(); err != nil {
		// The aborted transaction reverts every row; another cycle re-claims.
		log.Error("commit batch failed, outcomes rolled back", "err", err)
	}
}

// invoke resolves and runs the handler for one event. A missing handler and a
// panicking handler are both ordinary failure outcomes.
func (w *Worker) invoke(ctx context.Context, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, err := w.registry.Lookup(ev.EventType)
	if err != nil {
		return err
	}
	return h(ctx, ev.Payload)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
