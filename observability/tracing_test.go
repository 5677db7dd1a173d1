package observability

import (
	"context"
	"errors"
	"testing"
)

func TestTracerSpansWithoutProvider(t *testing.T) {
	tr := NewTracer()

	ctx, span := tr.StartSubmitSpan(context.Background(), "0xA", "0xR1", 3)
	if ctx == nil || span == nil {
		t.Fatal("StartSubmitSpan returned nil")
	}
	tr.EndSpan(span, errors.New("boom"))

	_, span = tr.StartTransitionSpan(context.Background(), "op_123", "submitted", "r1")
	tr.EndSpan(span, nil)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordSubmission("confirmed", 1.5)
	m.RecordAttempt("r1", "timed_out")
	m.RecordOperation("failed")
}
