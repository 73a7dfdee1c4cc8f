package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storygraph_ingestion_duration_seconds",
			Help:    "Article analysis duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	IngestionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storygraph_ingestion_total",
			Help: "Total article analyses by outcome",
		},
		[]string{"status"},
	)

	ChunksAnalyzed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storygraph_chunks_analyzed_total",
			Help: "Total chunks sent to the content-analysis provider",
		},
	)

	ProviderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storygraph_provider_retries_total",
			Help: "Total content-analysis retries",
		},
	)

	GraphWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storygraph_graph_writes_total",
			Help: "Entities merged into the graph by kind",
		},
		[]string{"kind"},
	)

	GraphWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storygraph_graph_write_failures_total",
			Help: "Entities that failed to merge into the graph",
		},
	)

	EntitiesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storygraph_entities_skipped_total",
			Help: "Extracted entities dropped before the graph write",
		},
	)

	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storygraph_reconcile_runs_total",
			Help: "Reconciliation passes by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	WorksRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storygraph_works_removed_total",
			Help: "Works deleted by reconciliation by reason",
		},
		[]string{"reason"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storygraph_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storygraph_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(IngestionDuration)
		prometheus.MustRegister(IngestionTotal)
		prometheus.MustRegister(ChunksAnalyzed)
		prometheus.MustRegister(ProviderRetries)
		prometheus.MustRegister(GraphWrites)
		prometheus.MustRegister(GraphWriteFailures)
		prometheus.MustRegister(EntitiesSkipped)
		prometheus.MustRegister(ReconcileRuns)
		prometheus.MustRegister(WorksRemoved)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
