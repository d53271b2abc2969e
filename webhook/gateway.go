// Package webhook receives Twitch EventSub webhook deliveries: it verifies signatures,
// answers verification challenges, drops redeliveries and hands new stream.online events to fan-out.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/streamherald/notify"
	"github.com/onnwee/streamherald/telemetry"
)

// EventSub request headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageRetry     = "Twitch-Eventsub-Message-Retry"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
)

// Message kinds.
const (
	KindVerification = "webhook_callback_verification"
	KindNotification = "notification"
	KindRevocation   = "revocation"
)

const maxBodyBytes = 1 << 20

var (
	ErrInvalidSignature     = errors.New("invalid eventsub signature")
	ErrStaleMessage         = errors.New("eventsub message too old")
	ErrDuplicatePayload     = errors.New("duplicate eventsub notification")
	ErrMalformedPayload     = errors.New("malformed eventsub payload")
	ErrUnhandledMessageKind = errors.New("unhandled eventsub message kind")
)

// Outcome is the terminal state of one webhook request.
type Outcome int

const (
	RejectedInvalidSignature Outcome = iota
	RejectedStale
	RetryStopped
	HandshakeAccepted
	RejectedDuplicate
	RejectedMalformed
	NotificationAccepted
	UnhandledKind
)

func (o Outcome) String() string {
	switch o {
	case RejectedInvalidSignature:
		return "invalid_signature"
	case RejectedStale:
		return "stale"
	case RetryStopped:
		return "retry_stopped"
	case HandshakeAccepted:
		return "handshake"
	case RejectedDuplicate:
		return "duplicate"
	case RejectedMalformed:
		return "malformed"
	case NotificationAccepted:
		return "accepted"
	default:
		return "unhandled_kind"
	}
}

// StatusCode is the HTTP status sent to Twitch for the outcome.
func (o Outcome) StatusCode() int {
	switch o {
	case RejectedInvalidSignature, RejectedStale:
		return http.StatusForbidden
	case RetryStopped:
		return http.StatusAccepted
	case HandshakeAccepted:
		return http.StatusOK
	case RejectedDuplicate, RejectedMalformed:
		return http.StatusBadRequest
	case NotificationAccepted:
		return http.StatusNoContent
	default:
		return http.StatusInternalServerError
	}
}

// Dispatcher receives accepted events. Deliver runs outside the request goroutine.
type Dispatcher interface {
	Deliver(ctx context.Context, ev notify.Event) notify.Report
}

// Config tunes a Gateway.
type Config struct {
	Secret string
	// MaxMessageAge rejects messages whose timestamp is older than this. Zero disables the check.
	MaxMessageAge time.Duration
	// FanoutTimeout bounds each asynchronous Deliver call. Zero means no bound.
	FanoutTimeout time.Duration
	Clock         clockwork.Clock
}

// Gateway is the http.Handler mounted on the EventSub callback path.
type Gateway struct {
	cfg        Config
	cache      *DedupCache
	dispatcher Dispatcher

	inflight sync.WaitGroup
}

// NewGateway wires a gateway. The cache is owned by the caller, which also runs its sweeper.
func NewGateway(cfg Config, cache *DedupCache, d Dispatcher) *Gateway {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Gateway{cfg: cfg, cache: cache, dispatcher: d}
}

// Wait blocks until every dispatched fan-out has returned.
func (g *Gateway) Wait() { g.inflight.Wait() }

type streamOnlineEvent struct {
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

type envelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Status  string `json:"status"`
		Version string `json:"version"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// ServeHTTP runs one request through the state machine and writes the outcome's response.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(
		slog.String("component", "webhook"),
		slog.String("message_id", r.Header.Get(HeaderMessageID)),
		slog.String("message_type", r.Header.Get(HeaderMessageType)),
	)
	outcome, body := g.handle(w, r, logger)
	telemetry.RecordWebhook(outcome.String())
	logger.Debug("eventsub request handled", slog.String("outcome", outcome.String()))

	switch outcome {
	case HandshakeAccepted:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	case NotificationAccepted:
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, body, outcome.StatusCode())
	}
}

// handle decides the outcome and, for an accepted notification, starts fan-out.
// The returned string is the response body.
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (Outcome, string) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.Warn("eventsub body unreadable", slog.Any("err", err))
		return RejectedMalformed, ErrMalformedPayload.Error()
	}

	id := r.Header.Get(HeaderMessageID)
	ts := r.Header.Get(HeaderMessageTimestamp)
	if !VerifySignature(g.cfg.Secret, id, ts, raw, r.Header.Get(HeaderMessageSignature)) {
		logger.Warn("eventsub signature mismatch")
		return RejectedInvalidSignature, ErrInvalidSignature.Error()
	}
	if g.cfg.MaxMessageAge > 0 {
		sent, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil || g.cfg.Clock.Since(sent) > g.cfg.MaxMessageAge {
			logger.Warn("eventsub message stale", slog.String("timestamp", ts))
			return RejectedStale, ErrStaleMessage.Error()
		}
	}
	if retry, err := strconv.Atoi(r.Header.Get(HeaderMessageRetry)); err == nil && retry > 1 {
		logger.Info("eventsub retry short-circuited", slog.Int("retry", retry))
		return RetryStopped, "stop retrying"
	}

	var env envelope
	kind := r.Header.Get(HeaderMessageType)
	switch kind {
	case KindVerification:
		if err := json.Unmarshal(raw, &env); err != nil || env.Challenge == "" {
			return RejectedMalformed, ErrMalformedPayload.Error()
		}
		logger.Info("eventsub subscription verified", slog.String("subscription_id", env.Subscription.ID), slog.String("type", env.Subscription.Type))
		return HandshakeAccepted, env.Challenge

	case KindNotification:
		if id == "" {
			return RejectedMalformed, ErrMalformedPayload.Error()
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return RejectedMalformed, ErrMalformedPayload.Error()
		}
		var ev streamOnlineEvent
		if env.Subscription.Type == "stream.online" {
			if err := json.Unmarshal(env.Event, &ev); err != nil || ev.BroadcasterUserID == "" {
				return RejectedMalformed, ErrMalformedPayload.Error()
			}
		}
		if g.cache.Seen(id) {
			logger.Info("eventsub duplicate dropped")
			return RejectedDuplicate, ErrDuplicatePayload.Error()
		}
		if env.Subscription.Type != "stream.online" {
			logger.Info("eventsub notification ignored", slog.String("subscription_type", env.Subscription.Type))
			return NotificationAccepted, ""
		}
		g.dispatch(r.Context(), notify.Event{
			NotificationID:   id,
			BroadcasterID:    ev.BroadcasterUserID,
			BroadcasterLogin: ev.BroadcasterUserLogin,
			BroadcasterName:  ev.BroadcasterUserName,
			StartedAt:        ev.StartedAt,
		})
		return NotificationAccepted, ""

	default:
		if kind == KindRevocation {
			_ = json.Unmarshal(raw, &env)
			logger.Warn("eventsub subscription revoked", slog.String("subscription_id", env.Subscription.ID), slog.String("status", env.Subscription.Status))
		} else {
			logger.Warn("eventsub message kind not handled")
		}
		return UnhandledKind, ErrUnhandledMessageKind.Error()
	}
}

// dispatch runs fan-out in the background on a context that outlives the request.
func (g *Gateway) dispatch(reqCtx context.Context, ev notify.Event) {
	telemetry.IncFannedOut()
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		ctx := context.WithoutCancel(reqCtx)
		if g.cfg.FanoutTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.cfg.FanoutTimeout)
			defer cancel()
		}
		g.dispatcher.Deliver(ctx, ev)
	}()
}

// Sign returns the EventSub signature header value for a message.
func Sign(secret, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of id, timestamp and body in constant time.
func VerifySignature(secret, id, timestamp string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, id, timestamp, body)), []byte(header))
}
