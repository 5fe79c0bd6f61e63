package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/magsoftware/dispatchbox/internal/config"
	"github.com/magsoftware/dispatchbox/internal/repository"
)

func newSeedCmd() *cobra.Command {
	var (
		dsn, logLevel string
		count         int
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert sample pending events for demos and load tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", count)
			}
			level, err := config.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level, "seed")

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			repo, err := repository.Open(ctx, repository.Config{DSN: dsn}, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			// All rows go through one transaction, the same shape a producer
			// uses to bundle outbox rows with its business mutation.
			tx, err := repo.DB().BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin transaction: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			for i := 1; i <= count; i++ {
				if _, err := repo.InsertTx(ctx, tx, sampleEvent(i)); err != nil {
					return err
				}
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}

			logger.Info("seeded events", "count", count)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&dsn, "dsn", defaultDSN(), "PostgreSQL DSN (defaults to $DATABASE_URL)")
	f.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (debug|info|warn|error)")
	f.IntVar(&count, "count", 100, "events to insert")
	return cmd
}

// sampleEvent cycles through the three demo aggregates. Only order.created
// has a handler in the default registry; invoice and user events exercise
// the retry-then-dead path and end up in the DLQ.
func sampleEvent(i int) repository.NewEvent {
	switch i % 3 {
	case 0:
		aggregateID := fmt.Sprintf("%d", 1000+i)
		payload, _ := json.Marshal(map[string]any{
			"orderId":    aggregateID,
			"customerId": fmt.Sprintf("C%03d", i),
			"totalCents": 1000 + rand.Intn(19000),
		})
		return repository.NewEvent{
			AggregateType: "order",
			AggregateID:   aggregateID,
			EventType:     "order.created",
			Payload:       payload,
		}
	case 1:
		aggregateID := fmt.Sprintf("%d", 2000+i)
		payload, _ := json.Marshal(map[string]any{
			"invoiceId":   aggregateID,
			"orderId":     fmt.Sprintf("%d", 1000+i),
			"amountCents": 1000 + rand.Intn(19000),
		})
		return repository.NewEvent{
			AggregateType: "invoice",
			AggregateID:   aggregateID,
			EventType:     "invoice.generated",
			Payload:       payload,
		}
	default:
		aggregateID := fmt.Sprintf("U%04d", i)
		payload, _ := json.Marshal(map[string]any{
			"userId": aggregateID,
			"email":  fmt.Sprintf("%s@example.com", uuid.NewString()[:8]),
		})
		return repository.NewEvent{
			AggregateType: "user",
			AggregateID:   aggregateID,
			EventType:     "user.registered",
			Payload:       payload,
		}
	}
}
