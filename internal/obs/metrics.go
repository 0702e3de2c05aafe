// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/hybridrag/hybridrag/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FilesScanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_files_scanned_total",
		Help: "Total number of candidate files observed by a watcher scan",
	}, []string{"database"})

	ItemsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_ingestion_items_enqueued_total",
		Help: "Total number of ingestion items enqueued",
	}, []string{"database", "tier"})

	ItemsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_ingestion_items_completed_total",
		Help: "Total number of ingestion items completed",
	}, []string{"database", "tier"})

	ItemsQuarantined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_ingestion_items_quarantined_total",
		Help: "Total number of ingestion items quarantined after exhausting retries",
	}, []string{"database"})

	ItemsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_ingestion_items_dropped_total",
		Help: "Total number of items skipped by the single-flight claim",
	}, []string{"database"})

	IngestionQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hybridrag_ingestion_queue_depth",
		Help: "Current depth of the bounded ingestion queue",
	}, []string{"database"})

	IngestionItemDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hybridrag_ingestion_item_duration_seconds",
		Help:    "Histogram of tiered-insert durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"database", "tier"})

	EngineCircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hybridrag_engine_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"database"})

	EngineCircuitTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_engine_circuit_breaker_trips_total",
		Help: "Total number of times the engine circuit breaker opened",
	}, []string{"database"})

	LedgerReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_ledger_reclaimed_total",
		Help: "Total number of stale claims reclaimed by the ledger sweep",
	}, []string{"database"})

	WatcherScanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hybridrag_watcher_scan_duration_seconds",
		Help:    "Histogram of watcher scan-cycle durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"database"})

	WatcherState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hybridrag_watcher_state",
		Help: "0 init, 1 scanning, 2 idle, 3 draining, 4 stopped, 5 paused",
	}, []string{"database"})

	TierConcurrentCalls = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hybridrag_dispatcher_tier_concurrent_calls",
		Help: "Number of in-flight tool calls currently admitted per tier",
	}, []string{"database", "tier"})

	TierBusyRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hybridrag_dispatcher_tier_busy_total",
		Help: "Total number of tool calls rejected because the tier semaphore was exhausted",
	}, []string{"database", "tier"})

	MigrationProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hybridrag_migration_progress_ratio",
		Help: "Fraction of records migrated for the active migration job, by store",
	}, []string{"database", "store"})
)

func init() {
	prometheus.MustRegister(
		FilesScanned, ItemsEnqueued, ItemsCompleted, ItemsQuarantined, ItemsDropped,
		IngestionQueueDepth, IngestionItemDuration, EngineCircuitState, EngineCircuitTrips,
		LedgerReclaimed, WatcherScanDuration, WatcherState,
		TierConcurrentCalls, TierBusyRejections, MigrationProgress,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
