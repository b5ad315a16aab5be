// Package metrics registers the prometheus instruments for the storage and
// resilience substrate. Each Metrics value owns its registry so tests can
// construct instances without collisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every instrument the core records into.
type Metrics struct {
	registry *prometheus.Registry

	// Circuit breakers: 0=closed, 1=open, 2=half-open, labelled by dependency.
	BreakerState *prometheus.GaugeVec

	// Cache facade.
	CacheFallbackMode prometheus.Gauge
	CacheFallbackOps  *prometheus.CounterVec

	// Answer batcher.
	BatcherAnswersTotal  prometheus.Counter
	BatcherFlushesTotal  *prometheus.CounterVec
	BatcherRetriesTotal  prometheus.Counter
	BatcherParkedAnswers prometheus.Gauge

	// Pending write queue / recovery worker.
	PendingWrites          prometheus.Gauge
	RecoveryRunsTotal      *prometheus.CounterVec
	RecoveryProcessedTotal prometheus.Counter
	RecoveryFailedTotal    prometheus.Counter
	RecoveryDuration       prometheus.Histogram

	// Session recovery.
	SessionRecoveriesTotal  *prometheus.CounterVec
	SessionRecoveryDuration prometheus.Histogram
}

// New constructs and registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quizcore_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open).",
		}, []string{"dependency"}),
		CacheFallbackMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quizcore_cache_fallback_mode",
			Help: "1 while the cache facade serves from the in-memory fallback.",
		}),
		CacheFallbackOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizcore_cache_fallback_operations_total",
			Help: "Operations served from the in-memory fallback, by operation name.",
		}, []string{"operation"}),
		BatcherAnswersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizcore_batcher_answers_total",
			Help: "Answers accepted by the write-behind batcher.",
		}),
		BatcherFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizcore_batcher_flushes_total",
			Help: "Batch flushes by result.",
		}, []string{"result"}),
		BatcherRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizcore_batcher_retries_total",
			Help: "Retried batch insert attempts.",
		}),
		BatcherParkedAnswers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quizcore_batcher_parked_answers",
			Help: "Answers parked after exhausting insert retries.",
		}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quizcore_pending_writes",
			Help: "Durable-store writes queued during an outage.",
		}),
		RecoveryRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizcore_recovery_runs_total",
			Help: "Recovery worker runs by result.",
		}, []string{"result"}),
		RecoveryProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizcore_recovery_processed_total",
			Help: "Pending writes successfully replayed into the durable store.",
		}),
		RecoveryFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizcore_recovery_failed_total",
			Help: "Pending writes that failed replay.",
		}),
		RecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quizcore_recovery_duration_seconds",
			Help:    "Duration of recovery worker drain runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SessionRecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizcore_session_recoveries_total",
			Help: "Participant session recovery attempts by outcome.",
		}, []string{"outcome"}),
		SessionRecoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quizcore_session_recovery_duration_seconds",
			Help:    "Duration of participant session recovery.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.BreakerState,
		m.CacheFallbackMode,
		m.CacheFallbackOps,
		m.BatcherAnswersTotal,
		m.BatcherFlushesTotal,
		m.BatcherRetriesTotal,
		m.BatcherParkedAnswers,
		m.PendingWrites,
		m.RecoveryRunsTotal,
		m.RecoveryProcessedTotal,
		m.RecoveryFailedTotal,
		m.RecoveryDuration,
		m.SessionRecoveriesTotal,
		m.SessionRecoveryDuration,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
