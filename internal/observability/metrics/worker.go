package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// WorkerMetrics collects cache and retrieval metrics on a private registry.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheAsyncFailures *prometheus.CounterVec
	cacheSemanticHits  *prometheus.CounterVec
	cacheClusters      *prometheus.GaugeVec

	retrievalTotal    *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec
	retrievalResults  *prometheus.HistogramVec
	rerankSkipped     *prometheus.CounterVec

	breakerState *prometheus.GaugeVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	cacheHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kr",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by tier.",
		},
		[]string{"service", "tier"},
	)
	cacheMisses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kr",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by tier.",
		},
		[]string{"service", "tier"},
	)
	cacheEvictions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kr",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted by tier.",
		},
		[]string{"service", "tier"},
	)
	cacheAsyncFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kr",
			Subsystem: "cache",
			Name:      "async_write_failures_total",
			Help:      "Failed background writes by tier.",
		},
		[]string{"service", "tier"},
	)
	cacheSemanticHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kr",
			Subsystem: "cache",
			Name:      "semantic_hits_total",
			Help:      "Lookups answered by a similar cached query.",
		},
		[]string{"service"},
	)
	cacheClusters := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kr",
			Subsystem: "cache",
			Name:      "semantic_clusters",
			Help:      "Semantic clusters per category.",
		},
		[]string{"service", "category"},
	)
	retrievalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kr",
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Retrieval requests by outcome.",
		},
		[]string{"service", "outcome"},
	)
	retrievalDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kr",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Retrieval latency in seconds by outcome.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"service", "outcome"},
	)
	retrievalResults := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kr",
			Subsystem: "retrieval",
			Name:      "results",
			Help:      "Number of results returned per request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	rerankSkipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kr",
			Subsystem: "retrieval",
			Name:      "rerank_skipped_total",
			Help:      "Requests answered without the rerank stage, by reason.",
		},
		[]string{"service", "reason"},
	)

	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kr",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(
		cacheHits, cacheMisses, cacheEvictions, cacheAsyncFailures, cacheSemanticHits, cacheClusters,
		retrievalTotal, retrievalDuration, retrievalResults, rerankSkipped,
		breakerState,
	)

	return &WorkerMetrics{
		registry:           registry,
		service:            service,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
		cacheEvictions:     cacheEvictions,
		cacheAsyncFailures: cacheAsyncFailures,
		cacheSemanticHits:  cacheSemanticHits,
		cacheClusters:      cacheClusters,
		retrievalTotal:     retrievalTotal,
		retrievalDuration:  retrievalDuration,
		retrievalResults:   retrievalResults,
		rerankSkipped:      rerankSkipped,
		breakerState:       breakerState,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) CacheHit(tier domain.Tier) {
	m.cacheHits.WithLabelValues(m.service, string(tier)).Inc()
}

func (m *WorkerMetrics) CacheMiss(tier domain.Tier) {
	m.cacheMisses.WithLabelValues(m.service, string(tier)).Inc()
}

func (m *WorkerMetrics) CacheEvictions(tier domain.Tier, n int) {
	if n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(m.service, string(tier)).Add(float64(n))
}

func (m *WorkerMetrics) CacheAsyncFailure(tier domain.Tier) {
	m.cacheAsyncFailures.WithLabelValues(m.service, string(tier)).Inc()
}

func (m *WorkerMetrics) CacheSemanticHit() {
	m.cacheSemanticHits.WithLabelValues(m.service).Inc()
}

// CacheClusters replaces the per-category gauge so categories that lost all
// clusters drop out.
func (m *WorkerMetrics) CacheClusters(counts map[string]int) {
	m.cacheClusters.Reset()
	for category, n := range counts {
		m.cacheClusters.WithLabelValues(m.service, category).Set(float64(n))
	}
}

func (m *WorkerMetrics) RetrievalObserved(outcome string, duration time.Duration, results int) {
	m.retrievalTotal.WithLabelValues(m.service, outcome).Inc()
	m.retrievalDuration.WithLabelValues(m.service, outcome).Observe(duration.Seconds())
	m.retrievalResults.WithLabelValues(m.service).Observe(float64(results))
}

func (m *WorkerMetrics) RerankSkipped(reason string) {
	m.rerankSkipped.WithLabelValues(m.service, reason).Inc()
}

// BreakerStateChanged matches resilience.StateListener.
func (m *WorkerMetrics) BreakerStateChanged(operation string, _, to gobreaker.State) {
	var value float64
	switch to {
	case gobreaker.StateHalfOpen:
		value = 1
	case gobreaker.StateOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}
