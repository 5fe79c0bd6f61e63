package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/magsoftware/dispatchbox/internal/config"
	"github.com/magsoftware/dispatchbox/internal/handlers"
	"github.com/magsoftware/dispatchbox/internal/repository"
	"github.com/magsoftware/dispatchbox/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	cfg := config.Default()
	var name, natsURL, natsSubject string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker instance (what run spawns; also usable directly)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			level, err := config.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			fullName := fmt.Sprintf("%s-pid%d", name, os.Getpid())
			logger := newLogger(level, "")

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			repo, err := repository.Open(ctx, repository.Config{
				DSN:            cfg.DSN,
				ConnectTimeout: cfg.ConnectTimeout,
				QueryTimeout:   cfg.QueryTimeout,
				RetryBackoff:   cfg.RetryBackoff,
				MaxAttempts:    cfg.MaxAttempts,
			}, logger.With("worker", fullName))
			if err != nil {
				return err
			}
			defer repo.Close()

			reg, err := handlers.Default(logger.With("worker", fullName))
			if err != nil {
				return err
			}
			if natsURL != "" {
				pub, err := handlers.NewPublisher(natsURL)
				if err != nil {
					return err
				}
				defer pub.Close()
				if err := reg.Register("order.shipped", pub.Handler(natsSubject)); err != nil {
					return err
				}
			}

			w, err := worker.New(storeAdapter{repo}, reg, worker.Config{
				Name:         fullName,
				BatchSize:    cfg.BatchSize,
				PollInterval: cfg.PollInterval,
				MaxParallel:  cfg.MaxParallel,
			}, logger)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}

	addTuningFlags(cmd, &cfg)
	f := cmd.Flags()
	f.StringVar(&name, "name", "worker", "display name for this instance")
	f.StringVar(&natsURL, "nats-url", os.Getenv("NATS_URL"),
		"NATS server URL; enables the order.shipped publisher handler")
	f.StringVar(&natsSubject, "nats-subject", "outbox.order.shipped",
		"subject the order.shipped handler publishes to")
	return cmd
}

// storeAdapter narrows the repository to the worker's Store interface.
type storeAdapter struct {
	repo *repository.Repository
}

func (s storeAdapter) EnsureConnected(ctx context.Context) error {
	return s.repo.EnsureConnected(ctx)
}

func (s storeAdapter) ClaimDue(ctx context.Context, batchSize int) (worker.Batch, error) {
	claim, err := s.repo.ClaimDue(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	return claim, nil
}
