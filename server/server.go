// Package server exposes the HTTP surface: the EventSub callback, the internal API used by chat
// command handlers, and health/metrics endpoints. It injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamherald/config"
	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/subscriptions"
	"github.com/onnwee/streamherald/telemetry"
	"github.com/onnwee/streamherald/twitchapi"
)

// Registrar is the subscription API the handlers call.
type Registrar interface {
	Subscribe(ctx context.Context, communityID, login string) (subscriptions.Subscribed, error)
	Unsubscribe(ctx context.Context, communityID, login string) error
	ListSubscriptions(ctx context.Context, communityID string) ([]string, error)
	SetDestination(ctx context.Context, communityID, destinationID string) (db.DestinationChange, error)
	GetDestination(ctx context.Context, communityID string) (string, error)
	ListUpstream(ctx context.Context) ([]twitchapi.EventSubSubscription, error)
	CancelAll(ctx context.Context) (subscriptions.CancelReport, error)
}

// Store is what the handlers read directly from the database.
type Store interface {
	ListDestinations(ctx context.Context, broadcasterID string) ([]string, error)
	Ping(ctx context.Context) error
}

// Breaker reports the delivery circuit breaker state for readiness.
type Breaker interface {
	State() gobreaker.State
}

// Deps are the components behind the routes.
type Deps struct {
	Config    *config.Config
	Registrar Registrar
	Store     Store
	Webhook   http.Handler
	Breaker   Breaker // optional
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, d Deps) http.Handler {
	h := &Handlers{reg: d.Registrar, store: d.Store, breaker: d.Breaker}

	var limiter *ipRateLimiter
	if d.Config.RateLimitEnabled {
		limiter = newIPRateLimiter(ctx, d.Config.RateLimitPerSecond, d.Config.RateLimitBurst)
	}
	protect := func(fn http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(internalAuth(fn, d.Config.InternalAccessToken), limiter)
	}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Twitch authenticates itself with the HMAC signature, not the internal token.
	mux.Handle("POST "+config.CallbackPath, d.Webhook)

	mux.Handle("PUT /twitch/announcements/{guild_id}", protect(h.HandleSetDestination))
	mux.Handle("GET /twitch/announcements/{guild_id}", protect(h.HandleGetDestination))
	mux.Handle("GET /twitch/announcements", protect(h.HandleListDestinations))

	mux.Handle("POST /twitch/subscriptions/{guild_id}", protect(h.HandleSubscribe))
	mux.Handle("DELETE /twitch/subscriptions/{guild_id}", protect(h.HandleUnsubscribe))
	mux.Handle("GET /twitch/subscriptions/{guild_id}", protect(h.HandleListSubscriptions))

	mux.Handle("GET /twitch/eventsub", protect(h.HandleListUpstream))
	mux.Handle("DELETE /twitch/eventsub", protect(h.HandleCancelAll))

	// Wrap with correlation ID injector and tracing middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		telemetry.LoggerWithCorr(ctx).Debug("request done",
			slog.String("component", "http"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// It returns only after in-flight requests have completed or the shutdown timeout expired.
func Start(ctx context.Context, d Deps) error {
	ln, err := net.Listen("tcp", d.Config.HTTPAddr)
	if err != nil {
		slog.Error("http server listen error", slog.Any("err", err))
		return err
	}
	return serve(ctx, d, ln)
}

func serve(ctx context.Context, d Deps, ln net.Listener) error {
	srv := &http.Server{
		Handler:      NewMux(ctx, d),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownDone := make(chan error, 1)
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		shutdownDone <- srv.Shutdown(shutdownCtx)
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	// Serve returns as soon as Shutdown begins; wait for active handlers to drain.
	if err := <-shutdownDone; err != nil {
		slog.Error("http server shutdown error", slog.Any("err", err))
		return err
	}
	return nil
}
