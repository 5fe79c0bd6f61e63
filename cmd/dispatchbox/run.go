package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/magsoftware/dispatchbox/internal/config"
	"github.com/magsoftware/dispatchbox/internal/httpserver"
	"github.com/magsoftware/dispatchbox/internal/metrics"
	"github.com/magsoftware/dispatchbox/internal/repository"
	"github.com/magsoftware/dispatchbox/internal/supervisor"
)

// Observability-side repositories are short-lived per request and use tight
// timeouts so a slow database cannot pile up probe connections.
const (
	obsConnectTimeout = 2 * time.Second
	obsQueryTimeout   = 5 * time.Second

	httpShutdownTimeout = 5 * time.Second
)

func newRunCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor: N worker processes plus the HTTP observability surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			level, err := config.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := newLogger(level, "main")

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var httpSrv *httpserver.Server
			if !cfg.HTTPDisabled {
				addr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
				httpSrv = httpserver.New(addr,
					obsRepositoryFactory(cfg.DSN),
					metrics.Handler(obsCounterFactory(cfg.DSN), logger),
					logger)
				go func() {
					if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "err", err)
					}
				}()
			}

			logger.Info("starting dispatchbox supervisor",
				"workers", cfg.Workers,
				"batch_size", cfg.BatchSize,
				"poll_interval", cfg.PollInterval)

			err = supervisor.Run(ctx, supervisor.Config{
				Workers: cfg.Workers,
				Args:    workerArgs(cfg),
			}, logger)

			if httpSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
				defer cancel()
				if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
					logger.Warn("http shutdown", "err", serr)
				}
			}
			return err
		},
	}

	addTuningFlags(cmd, &cfg)
	f := cmd.Flags()
	f.IntVar(&cfg.Workers, "workers", config.DefaultWorkers, "worker processes to spawn")
	f.StringVar(&cfg.HTTPHost, "http-host", config.DefaultHTTPHost, "observability bind host")
	f.IntVar(&cfg.HTTPPort, "http-port", config.DefaultHTTPPort, "observability bind port")
	f.BoolVar(&cfg.HTTPDisabled, "http-disable", false, "disable the observability surface")
	return cmd
}

// workerArgs renders the tuning surface back into worker-subcommand flags so
// each spawned process runs with exactly the supervisor's configuration.
func workerArgs(cfg config.Config) []string {
	return []string{
		"worker",
		"--dsn", cfg.DSN,
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--poll-interval", cfg.PollInterval.String(),
		"--max-attempts", strconv.Itoa(cfg.MaxAttempts),
		"--retry-backoff", cfg.RetryBackoff.String(),
		"--max-parallel", strconv.Itoa(cfg.MaxParallel),
		"--connect-timeout", cfg.ConnectTimeout.String(),
		"--query-timeout", cfg.QueryTimeout.String(),
		"--log-level", cfg.LogLevel,
	}
}

func obsRepositoryFactory(dsn string) httpserver.Factory {
	return func(ctx context.Context) (httpserver.Repository, error) {
		return repository.Open(ctx, repository.Config{
			DSN:            dsn,
			ConnectTimeout: obsConnectTimeout,
			QueryTimeout:   obsQueryTimeout,
		}, slog.Default())
	}
}

func obsCounterFactory(dsn string) metrics.CounterFactory {
	return func(ctx context.Context) (metrics.StatusCounter, error) {
		return repository.Open(ctx, repository.Config{
			DSN:            dsn,
			ConnectTimeout: obsConnectTimeout,
			QueryTimeout:   obsQueryTimeout,
		}, slog.Default())
	}
}
