package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if WebhookRequests == nil || FanoutDeliveries == nil || UpstreamRequests == nil {
		t.Fatal("counter vectors not initialized")
	}
	if DeliveryDuration == nil || UpstreamDuration == nil {
		t.Fatal("histograms not initialized")
	}
	if DedupCacheSize == nil || CircuitOpenGauge == nil {
		t.Fatal("gauges not initialized")
	}
	// Second call must not panic on duplicate registration.
	Init()
}

func TestRecordWebhookCountsByOutcome(t *testing.T) {
	Init()

	before := testutil.ToFloat64(WebhookRequests.WithLabelValues("duplicate"))
	RecordWebhook("duplicate")
	RecordWebhook("duplicate")
	after := testutil.ToFloat64(WebhookRequests.WithLabelValues("duplicate"))
	if after-before != 2 {
		t.Errorf("duplicate outcome delta = %v, want 2", after-before)
	}
}

func TestRecordDeliveryResults(t *testing.T) {
	Init()

	sent := testutil.ToFloat64(FanoutDeliveries.WithLabelValues("sent"))
	failed := testutil.ToFloat64(FanoutDeliveries.WithLabelValues("failed"))
	RecordDelivery(true)
	RecordDelivery(false)
	if got := testutil.ToFloat64(FanoutDeliveries.WithLabelValues("sent")) - sent; got != 1 {
		t.Errorf("sent delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(FanoutDeliveries.WithLabelValues("failed")) - failed; got != 1 {
		t.Errorf("failed delta = %v, want 1", got)
	}
}

func TestRecordUpstream(t *testing.T) {
	Init()

	before := testutil.ToFloat64(UpstreamRequests.WithLabelValues("users", "error"))
	RecordUpstream("users", errors.New("boom"), time.Millisecond)
	if got := testutil.ToFloat64(UpstreamRequests.WithLabelValues("users", "error")) - before; got != 1 {
		t.Errorf("error delta = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	Init()

	SetDedupCacheSize(42)
	if got := testutil.ToFloat64(DedupCacheSize); got != 42 {
		t.Errorf("dedup size = %v, want 42", got)
	}
	UpdateCircuitGauge(true)
	if got := testutil.ToFloat64(CircuitOpenGauge); got != 1 {
		t.Errorf("circuit gauge = %v, want 1", got)
	}
	UpdateCircuitGauge(false)
	if got := testutil.ToFloat64(CircuitOpenGauge); got != 0 {
		t.Errorf("circuit gauge = %v, want 0", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestTimeFuncNilObserver(t *testing.T) {
	executed := false
	TimeFunc(nil, func() { executed = true })
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
}

func TestCorrelationHelpers(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected empty correlation on bare context")
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
