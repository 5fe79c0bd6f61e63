// Package metrics exposes dispatcher state to Prometheus. Workers are
// separate OS processes, so per-process counters would under-report; the
// queue depth by status, read from the database at scrape time, is the
// cross-process source of truth.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const collectTimeout = 5 * time.Second

// StatusCounter yields outbox row counts per status. Implemented by a
// short-lived repository; the collector closes it after each scrape.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
	Close() error
}

// CounterFactory builds a StatusCounter for one scrape.
type CounterFactory func(ctx context.Context) (StatusCounter, error)

type queueDepthCollector struct {
	factory CounterFactory
	desc    *prometheus.Desc
	log     *slog.Logger
}

// NewQueueDepthCollector exports dispatchbox_outbox_events{status} gauges.
func NewQueueDepthCollector(factory CounterFactory, logger *slog.Logger) prometheus.Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &queueDepthCollector{
		factory: factory,
		desc: prometheus.NewDesc(
			"dispatchbox_outbox_events",
			"Number of outbox events by status.",
			[]string{"status"}, nil,
		),
		log: logger,
	}
}

func (c *queueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	counter, err := c.factory(ctx)
	if err != nil {
		c.log.Error("metrics repository unavailable", "err", err)
		return
	}
	defer counter.Close()

	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		c.log.Error("counting events for metrics failed", "err", err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}

// Handler builds the /metrics handler: queue depth plus the standard Go and
// process collectors on a dedicated registry.
func Handler(factory CounterFactory, logger *slog.Logger) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewQueueDepthCollector(factory, logger),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
