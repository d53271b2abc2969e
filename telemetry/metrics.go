// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WebhookRequests        *prometheus.CounterVec // label: outcome
	FanoutDeliveries       *prometheus.CounterVec // label: result (sent|failed)
	UpstreamRequests       *prometheus.CounterVec // labels: op, result
	RevocationFailures     prometheus.Counter
	NotificationsFannedOut prometheus.Counter

	// Histograms (seconds)
	DeliveryDuration prometheus.Observer
	UpstreamDuration *prometheus.HistogramVec // label: op

	// Gauges
	DedupCacheSize   prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_webhook_requests_total", Help: "EventSub webhook requests by terminal outcome"}, []string{"outcome"})
		FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_fanout_deliveries_total", Help: "Announcement delivery attempts by result"}, []string{"result"})
		UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_upstream_requests_total", Help: "Twitch API requests by operation and result"}, []string{"op", "result"})
		RevocationFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_token_revocation_failures_total", Help: "App access tokens that could not be revoked"})
		NotificationsFannedOut = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_fanned_out_total", Help: "Unique notifications handed to fan-out"})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_delivery_duration_seconds", Help: "Single destination delivery duration seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}})
		UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "herald_upstream_duration_seconds", Help: "Twitch API call duration seconds", Buckets: prometheus.DefBuckets}, []string{"op"})
		DedupCacheSize = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_dedup_cache_entries", Help: "Notification ids currently held for deduplication"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_discord_circuit_open", Help: "Discord circuit breaker open=1 closed=0"})
	})
}

// RecordWebhook counts a webhook request outcome. Safe before Init.
func RecordWebhook(outcome string) {
	if WebhookRequests != nil {
		WebhookRequests.WithLabelValues(outcome).Inc()
	}
}

// RecordDelivery counts one destination delivery by result. Durations go through TimeFunc.
func RecordDelivery(ok bool) {
	if FanoutDeliveries == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	FanoutDeliveries.WithLabelValues(result).Inc()
}

// RecordUpstream counts a Twitch API call.
func RecordUpstream(op string, err error, d time.Duration) {
	if UpstreamRequests == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	UpstreamRequests.WithLabelValues(op, result).Inc()
	if UpstreamDuration != nil {
		UpstreamDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

// IncRevocationFailures counts a failed best-effort token revocation.
func IncRevocationFailures() {
	if RevocationFailures != nil {
		RevocationFailures.Inc()
	}
}

// IncFannedOut counts a notification accepted for fan-out.
func IncFannedOut() {
	if NotificationsFannedOut != nil {
		NotificationsFannedOut.Inc()
	}
}

// SetDedupCacheSize records how many notification ids are retained.
func SetDedupCacheSize(n int) {
	if DedupCacheSize != nil {
		DedupCacheSize.Set(float64(n))
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
