package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/magsoftware/dispatchbox/internal/config"
	"github.com/magsoftware/dispatchbox/internal/migrate"
	"github.com/magsoftware/dispatchbox/internal/repository"
)

func newMigrateCmd() *cobra.Command {
	var dsn, logLevel string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the outbox schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := config.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level, "migrate")

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			repo, err := repository.Open(ctx, repository.Config{DSN: dsn}, logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := migrate.Run(ctx, repo.DB(), logger); err != nil {
				return err
			}
			logger.Info("migrations complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", defaultDSN(),
		"PostgreSQL DSN (defaults to $DATABASE_URL)")
	cmd.Flags().StringVar(&logLevel, "log-level", config.DefaultLogLevel,
		"log level (debug|info|warn|error)")
	return cmd
}
