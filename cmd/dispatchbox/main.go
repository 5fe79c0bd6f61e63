// Command dispatchbox drains a PostgreSQL transactional outbox: workers claim
// due events under FOR UPDATE SKIP LOCKED, run the registered handler per
// event, and commit per-row outcomes in the claim transaction.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/magsoftware/dispatchbox/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "dispatchbox",
	Short:         "Transactional outbox dispatcher for PostgreSQL",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newArchiveCmd(),
		newSeedCmd(),
	)
}

func defaultDSN() string {
	return os.Getenv("DATABASE_URL")
}

// newLogger builds the JSON logger every subcommand uses. The worker attr
// mirrors the process role in each log line.
func newLogger(level slog.Level, workerAttr string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if workerAttr != "" {
		logger = logger.With("worker", workerAttr)
	}
	slog.SetDefault(logger)
	return logger
}

// addTuningFlags wires the shared flag set onto a subcommand.
func addTuningFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.DSN, "dsn", defaultDSN(),
		"PostgreSQL DSN, URL or keyword form (defaults to $DATABASE_URL)")
	f.IntVar(&cfg.BatchSize, "batch-size", config.DefaultBatchSize,
		"events claimed per database round")
	f.DurationVar(&cfg.PollInterval, "poll-interval", config.DefaultPollInterval,
		"sleep when no work is due")
	f.IntVar(&cfg.MaxAttempts, "max-attempts", config.DefaultMaxAttempts,
		"attempts before an event is marked dead")
	f.DurationVar(&cfg.RetryBackoff, "retry-backoff", config.DefaultRetryBackoff,
		"delay before a failed event becomes due again")
	f.IntVar(&cfg.MaxParallel, "max-parallel", config.DefaultMaxParallel,
		"handler tasks running concurrently per worker")
	f.DurationVar(&cfg.ConnectTimeout, "connect-timeout", config.DefaultConnectTimeout,
		"database connect timeout")
	f.DurationVar(&cfg.QueryTimeout, "query-timeout", config.DefaultQueryTimeout,
		"per-statement timeout")
	f.StringVar(&cfg.LogLevel, "log-level", config.DefaultLogLevel,
		"log level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
