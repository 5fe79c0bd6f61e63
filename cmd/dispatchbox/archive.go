package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/magsoftware/dispatchbox/internal/archive"
	"github.com/magsoftware/dispatchbox/internal/config"
	"github.com/magsoftware/dispatchbox/internal/repository"
)

func newArchiveCmd() *cobra.Command {
	var (
		dsn, logLevel string
		schedule      string
		olderThan     time.Duration
		batchSize     int
		once          bool
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move old done events into outbox_event_archive on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := config.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level, "archive")

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			repo, err := repository.Open(ctx, repository.Config{DSN: dsn}, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			a, err := archive.New(repo, olderThan, batchSize, logger)
			if err != nil {
				return err
			}
			if once {
				moved, err := a.RunOnce(ctx)
				if err != nil {
					return err
				}
				logger.Info("archive sweep complete", "moved", moved)
				return nil
			}
			return a.Run(ctx, schedule)
		},
	}

	f := cmd.Flags()
	f.StringVar(&dsn, "dsn", defaultDSN(), "PostgreSQL DSN (defaults to $DATABASE_URL)")
	f.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (debug|info|warn|error)")
	f.StringVar(&schedule, "schedule", archive.DefaultSchedule, "cron schedule for sweeps")
	f.DurationVar(&olderThan, "older-than", archive.DefaultOlderThan, "minimum age of done events to move")
	f.IntVar(&batchSize, "archive-batch-size", archive.DefaultBatchSize, "rows moved per statement")
	f.BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}
