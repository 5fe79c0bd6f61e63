// Package archive moves old done rows into outbox_event_archive on a cron
// schedule. The dispatcher itself never writes to the archive; this is the
// operator-side mover for the table the schema ships.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule  = "@hourly"
	DefaultOlderThan = 24 * time.Hour
	DefaultBatchSize = 500
)

// Store is the slice of the repository the archiver drives.
type Store interface {
	ArchiveDone(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)
}

type Archiver struct {
	store     Store
	olderThan time.Duration
	batchSize int
	log       *slog.Logger
}

func New(store Store, olderThan time.Duration, batchSize int, logger *slog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if olderThan <= 0 {
		olderThan = DefaultOlderThan
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, olderThan: olderThan, batchSize: batchSize, log: logger}, nil
}

// Run schedules RunOnce per the cron expression and blocks until ctx is
// canceled. An in-flight sweep finishes before Run returns.
func (a *Archiver) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.log.Error("archive sweep failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	a.log.Info("archiver started", "schedule", schedule,
		"older_than", a.olderThan, "batch_size", a.batchSize)
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	a.log.Info("archiver stopped")
	return nil
}

// RunOnce drains eligible rows in batches until a batch comes back short,
// and returns the total moved.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		moved, err := a.store.ArchiveDone(ctx, a.olderThan, a.batchSize)
		if err != nil {
			return total, err
		}
		total += moved
		if moved < a.batchSize {
			break
		}
	}
	if total > 0 {
		a.log.Info("archived done events", "count", total)
	}
	return total, nil
}
