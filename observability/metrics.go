package observability

import (
	gu "github.com/xraph/go-utils/metrics"
)

// Metrics holds metric instruments for metarelay, backed by any go-utils
// MetricFactory (e.g. the forge-managed metrics system via fapp.Metrics()).
type Metrics struct {
	SubmissionsTotal    gu.Counter
	ConfirmationLatency gu.Histogram
	PendingSubmissions  gu.Gauge
	AttemptsTotal       gu.Counter
	FailoversTotal      gu.Counter
	OperationsTotal     gu.Counter
	InflightOperations  gu.Gauge
	DLQSize             gu.Gauge
	SwapFailuresTotal   gu.Counter
}

// NewMetrics creates metarelay metric instruments using the supplied factory.
func NewMetrics(factory gu.MetricFactory) *Metrics {
	return &Metrics{
		SubmissionsTotal:    factory.Counter("metarelay_submissions_total"),
		ConfirmationLatency: factory.Histogram("metarelay_confirmation_latency_seconds"),
		PendingSubmissions:  factory.Gauge("metarelay_pending_submissions"),
		AttemptsTotal:       factory.Counter("metarelay_attempts_total"),
		FailoversTotal:      factory.Counter("metarelay_failovers_total"),
		OperationsTotal:     factory.Counter("metarelay_operations_total"),
		InflightOperations:  factory.Gauge("metarelay_inflight_operations"),
		DLQSize:             factory.Gauge("metarelay_dlq_size"),
		SwapFailuresTotal:   factory.Counter("metarelay_swap_failures_total"),
	}
}

// RecordSubmission records a submission reaching a terminal state.
func (m *Metrics) RecordSubmission(state string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabels(map[string]string{"state": state}).Inc()
	m.ConfirmationLatency.Observe(latencySeconds)
	m.PendingSubmissions.Dec()
}

// RecordAttempt records a relay attempt being closed with outcome.
func (m *Metrics) RecordAttempt(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabels(map[string]string{"endpoint": endpoint, "outcome": outcome}).Inc()
}

// RecordOperation records an operation reaching a terminal state.
func (m *Metrics) RecordOperation(state string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabels(map[string]string{"state": state}).Inc()
	m.InflightOperations.Dec()
}
