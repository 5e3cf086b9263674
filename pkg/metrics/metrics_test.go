package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func metricHistogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameSent("Call")
	m.FrameReceived("Reply")
	m.DecodeError("frame")
	m.CallStarted()
	m.CallFinished("m", "ok", time.Millisecond)
	m.InboundCall("m", "ok")
	m.StreamRegistered()
	m.StreamUnregistered()
	m.Snapshot("delivered")
	m.TransactionBegun()
	m.TransactionFinished()
	m.TransactionStep("ok")
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.FrameSent("Call")
	m.FrameSent("Call")
	if got := metricCounterValue(t, m.framesSent.WithLabelValues("Call")); got != 2 {
		t.Errorf("frames_sent_total{Call} = %v; want 2", got)
	}

	m.CallStarted()
	m.CallStarted()
	m.CallFinished("Firestore#runTransaction", "ok", 5*time.Millisecond)
	if got := metricGaugeValue(t, m.pendingCalls); got != 1 {
		t.Errorf("pending_calls = %v; want 1", got)
	}
	if got := metricHistogramCount(t, m.callDuration.WithLabelValues("Firestore#runTransaction", "ok")); got != 1 {
		t.Errorf("call_duration_seconds count = %d; want 1", got)
	}

	m.StreamRegistered()
	m.StreamRegistered()
	m.StreamUnregistered()
	if got := metricGaugeValue(t, m.activeStreams); got != 1 {
		t.Errorf("active_streams = %v; want 1", got)
	}

	m.Snapshot("dropped")
	if got := metricCounterValue(t, m.snapshots.WithLabelValues("dropped")); got != 1 {
		t.Errorf("snapshots_total{dropped} = %v; want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_frames_sent_total" {
			found = true
		}
	}
	if !found {
		t.Error("test_frames_sent_total not registered")
	}
}
