// Package metrics holds the Prometheus collectors of the retrieval engine.
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom Prometheus metrics of the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Write path
	Ingests       *prometheus.CounterVec
	EmbedFailures *prometheus.CounterVec
	Pending       prometheus.Gauge

	// Read path
	Retrievals       *prometheus.CounterVec
	RetrieveLatency  prometheus.Histogram
	QueryCacheHits   prometheus.Counter
	QueryCacheMisses prometheus.Counter

	// Maintenance
	RebuildRecords prometheus.Counter
	RebuildRuns    *prometheus.CounterVec
	Repairs        *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Ingest calls by kind and outcome (indexed, duplicate, pending, error)
		Ingests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_ingest_total",
			Help: "Total number of ingest calls by kind and outcome",
		}, []string{"kind", "outcome"}),

		EmbedFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_embed_failures_total",
			Help: "Embedding calls that failed, by path (ingest, query, rebuild)",
		}, []string{"path"}),

		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "recall_pending_records",
			Help: "Live records not yet indexed or missing a vector for the active embedder",
		}),

		// Retrievals by mode (hybrid, lexical, degraded)
		Retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_retrieve_total",
			Help: "Total number of retrievals by mode",
		}, []string{"mode"}),

		RetrieveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recall_retrieve_duration_seconds",
			Help:    "Retrieval latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		QueryCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "recall_query_cache_hits_total",
			Help: "Query embeddings served from cache",
		}),

		QueryCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "recall_query_cache_misses_total",
			Help: "Query embeddings computed by the embedder",
		}),

		RebuildRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "recall_rebuild_records_total",
			Help: "Records processed by index rebuilds",
		}),

		RebuildRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_rebuild_runs_total",
			Help: "Index rebuild runs by result (swapped, cancelled, failed)",
		}, []string{"result"}),

		Repairs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_repair_total",
			Help: "Index entries repaired by consistency checks, by index and action",
		}, []string{"index", "action"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordIngest records one ingest outcome.
func (m *Metrics) RecordIngest(kind, outcome string) {
	if m == nil {
		return
	}
	m.Ingests.WithLabelValues(kind, outcome).Inc()
}

// RecordEmbedFailure records a failed embedding call.
func (m *Metrics) RecordEmbedFailure(path string) {
	if m == nil {
		return
	}
	m.EmbedFailures.WithLabelValues(path).Inc()
}

// SetPending records the number of records awaiting index work.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

// RecordRetrieve records a retrieval and its latency.
func (m *Metrics) RecordRetrieve(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.Retrievals.WithLabelValues(mode).Inc()
	m.RetrieveLatency.Observe(d.Seconds())
}

// RecordQueryCache records a query embedding cache lookup.
func (m *Metrics) RecordQueryCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.QueryCacheHits.Inc()
		return
	}
	m.QueryCacheMisses.Inc()
}

// RecordRebuildRecords adds n processed records to the rebuild counter.
func (m *Metrics) RecordRebuildRecords(n int) {
	if m == nil {
		return
	}
	m.RebuildRecords.Add(float64(n))
}

// RecordRebuildRun records the end of a rebuild run.
func (m *Metrics) RecordRebuildRun(result string) {
	if m == nil {
		return
	}
	m.RebuildRuns.WithLabelValues(result).Inc()
}

// RecordRepair records n repaired entries.
func (m *Metrics) RecordRepair(index, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Repairs.WithLabelValues(index, action).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
