package vote

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricVoteCastsTotal            = "vote_casts_total"
	MetricVoteCounterFailuresTotal  = "vote_counter_failures_total"
	MetricVoteReconciledTotal       = "vote_reconciled_total"
	MetricVoteReconcileConflicts    = "vote_reconcile_conflicts_total"
	MetricVoteReconcileDurationSecs = "vote_reconcile_duration_seconds"
)

// Cast results used as the "result" label.
const (
	ResultCounted   = "counted"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
)

// Metrics contains Prometheus metrics for the ledger and the reconciler.
type Metrics struct {
	casts             *prometheus.CounterVec
	counterFailures   prometheus.Counter
	reconciled        prometheus.Counter
	conflicts         prometheus.Counter
	reconcileDuration prometheus.Histogram
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		casts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVoteCastsTotal,
				Help: "Total number of vote attempts by result (counted, duplicate, failed)",
			},
			[]string{"result"},
		),
		counterFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricVoteCounterFailuresTotal,
				Help: "Total number of counted votes whose theme voteCount increment failed",
			},
		),
		reconciled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricVoteReconciledTotal,
				Help: "Total number of anonymous votes migrated to a signed-in uid",
			},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricVoteReconcileConflicts,
				Help: "Total number of reconciliation batches retried after a concurrent change",
			},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricVoteReconcileDurationSecs,
				Help:    "Duration of reconciliation runs in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncCast counts a vote attempt with the given result label.
func (m *Metrics) IncCast(result string) {
	m.casts.WithLabelValues(result).Inc()
}

// IncCounterFailures counts a failed voteCount increment.
func (m *Metrics) IncCounterFailures() {
	m.counterFailures.Inc()
}

// AddReconciled adds n migrated votes.
func (m *Metrics) AddReconciled(n int) {
	m.reconciled.Add(float64(n))
}

// IncReconcileConflicts counts a retried reconciliation batch.
func (m *Metrics) IncReconcileConflicts() {
	m.conflicts.Inc()
}

// ObserveReconcileDuration records the duration of a reconciliation run.
func (m *Metrics) ObserveReconcileDuration(seconds float64) {
	m.reconcileDuration.Observe(seconds)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.casts,
		m.counterFailures,
		m.reconciled,
		m.conflicts,
		m.reconcileDuration,
	}
}
