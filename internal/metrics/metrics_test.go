package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewWithRegistry(prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatal(err)
	}
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func TestRecordDecisionIncrementsPerAction(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordDecision("upload")
	m.RecordDecision("upload")
	m.RecordDecision("download")

	if got := counterValue(t, m.reconcileDecisions.WithLabelValues("upload")); got != 2 {
		t.Errorf("upload decisions = %v, want 2", got)
	}
	if got := counterValue(t, m.reconcileDecisions.WithLabelValues("download")); got != 1 {
		t.Errorf("download decisions = %v, want 1", got)
	}
}

func TestSetTransferQueueDepthReportsCurrentValue(t *testing.T) {
	m := newTestMetrics(t)
	m.SetTransferQueueDepth(7)
	if got := counterValue(t, m.transferQueueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
}

func TestRecordStateTransitionTogglesGauges(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordStateTransition("", 0, "IDLE")
	m.RecordStateTransition("IDLE", 50*time.Millisecond, "PULLING")

	if got := counterValue(t, m.orchestratorState.WithLabelValues("IDLE")); got != 0 {
		t.Errorf("IDLE gauge = %v, want 0 after leaving", got)
	}
	if got := counterValue(t, m.orchestratorState.WithLabelValues("PULLING")); got != 1 {
		t.Errorf("PULLING gauge = %v, want 1", got)
	}
}

func TestRecordTransferAttemptCountsEachOutcome(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTransferAttempt("push", "completed", 2*time.Second)
	m.RecordTransferAttempt("push", "failed", time.Second)

	if got := counterValue(t, m.transferAttempts.WithLabelValues("push", "completed")); got != 1 {
		t.Errorf("completed attempts = %v, want 1", got)
	}
	if got := counterValue(t, m.transferAttempts.WithLabelValues("push", "failed")); got != 1 {
		t.Errorf("failed attempts = %v, want 1", got)
	}
}
