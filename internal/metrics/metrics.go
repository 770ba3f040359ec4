// Package metrics exposes Prometheus instrumentation for the sync core:
// reconciler decision counts, transfer-queue depth/latency, and
// orchestrator state dwell time. Collectors hang off an injectable
// Registerer so tests can use a private registry instead of colliding on
// the process-wide default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram the sync core reports.
type Metrics struct {
	reconcileCycles      prometheus.Counter
	reconcileDecisions   *prometheus.CounterVec
	safetyRefusals       prometheus.Counter

	transferQueueDepth    prometheus.Gauge
	transferAttempts      *prometheus.CounterVec
	transferDuration      *prometheus.HistogramVec
	transferRetries       prometheus.Counter
	transferFailures      prometheus.Counter

	orchestratorStateDwell *prometheus.HistogramVec
	orchestratorState      *prometheus.GaugeVec

	mergeLockWaits prometheus.Counter
	mergeLockHolds prometheus.Counter
}

// New creates a Metrics instance registered against prometheus's default
// registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance against a caller-supplied
// registerer, so tests can avoid collisions with the default registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reconcileCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles run.",
		}),
		reconcileDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_reconcile_decisions_total",
			Help: "Count of reconciler decisions by action (upload, download, merge, ...).",
		}, []string{"action"}),
		safetyRefusals: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_safety_refusals_total",
			Help: "Total number of safety-guard refusals (e.g. suspicious mass delete).",
		}),
		transferQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_transfer_queue_depth",
			Help: "Current number of pending transfer-queue items.",
		}),
		transferAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultsync_transfer_attempts_total",
			Help: "Transfer attempts by direction and outcome.",
		}, []string{"direction", "outcome"}),
		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaultsync_transfer_duration_seconds",
			Help:    "Duration of completed transfers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		transferRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_transfer_retries_total",
			Help: "Total number of transfer retry attempts.",
		}),
		transferFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_transfer_failures_total",
			Help: "Total number of transfers that exhausted their retry budget.",
		}),
		orchestratorStateDwell: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaultsync_orchestrator_state_dwell_seconds",
			Help:    "Time spent in each orchestrator state per visit.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"state"}),
		orchestratorState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultsync_orchestrator_state",
			Help: "1 for the orchestrator's current state, 0 for all others.",
		}, []string{"state"}),
		mergeLockWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_merge_lock_waits_total",
			Help: "Total number of times acquiring a merge lock had to back off.",
		}),
		mergeLockHolds: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_merge_lock_holds_total",
			Help: "Total number of merge locks successfully acquired.",
		}),
	}
}

// RecordCycle increments the reconciliation-cycle counter.
func (m *Metrics) RecordCycle() { m.reconcileCycles.Inc() }

// RecordDecision increments the per-action reconciler decision counter.
func (m *Metrics) RecordDecision(action string) {
	m.reconcileDecisions.WithLabelValues(action).Inc()
}

// RecordSafetyRefusal increments the safety-refusal counter.
func (m *Metrics) RecordSafetyRefusal() { m.safetyRefusals.Inc() }

// SetTransferQueueDepth reports the current queue depth.
func (m *Metrics) SetTransferQueueDepth(n int) { m.transferQueueDepth.Set(float64(n)) }

// RecordTransferAttempt records one transfer attempt's outcome
// ("completed", "failed", "retrying") and, for completed transfers, its
// duration.
func (m *Metrics) RecordTransferAttempt(direction, outcome string, duration time.Duration) {
	m.transferAttempts.WithLabelValues(direction, outcome).Inc()
	if outcome == "completed" {
		m.transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
	}
}

// RecordTransferRetry increments the retry counter.
func (m *Metrics) RecordTransferRetry() { m.transferRetries.Inc() }

// RecordTransferFailure increments the terminal-failure counter.
func (m *Metrics) RecordTransferFailure() { m.transferFailures.Inc() }

// RecordStateTransition reports the orchestrator leaving prevState (after
// dwelling there for dwell) and entering newState.
func (m *Metrics) RecordStateTransition(prevState string, dwell time.Duration, newState string) {
	if prevState != "" {
		m.orchestratorStateDwell.WithLabelValues(prevState).Observe(dwell.Seconds())
		m.orchestratorState.WithLabelValues(prevState).Set(0)
	}
	m.orchestratorState.WithLabelValues(newState).Set(1)
}

// RecordMergeLockWait increments the merge-lock backoff counter.
func (m *Metrics) RecordMergeLockWait() { m.mergeLockWaits.Inc() }

// RecordMergeLockHold increments the merge-lock acquisition counter.
func (m *Metrics) RecordMergeLockHold() { m.mergeLockHolds.Inc() }

// Handler returns the HTTP handler serving this process's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
