package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAuditWritesTotal        = "theme_audit_writes_total"
	MetricAuditWriteFailuresTotal = "theme_audit_write_failures_total"
)

// Metrics contains Prometheus metrics for audit writes.
type Metrics struct {
	writes   *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAuditWritesTotal,
				Help: "Total number of theme audit records written by action",
			},
			[]string{"action"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAuditWriteFailuresTotal,
				Help: "Total number of theme audit records that could not be written, by action",
			},
			[]string{"action"},
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

// IncWrites counts a successful audit write.
func (m *Metrics) IncWrites(action Action) {
	m.writes.WithLabelValues(string(action)).Inc()
}

// IncFailures counts a dropped audit write.
func (m *Metrics) IncFailures(action Action) {
	m.failures.WithLabelValues(string(action)).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.writes, m.failures}
}
