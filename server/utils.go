package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/subscriptions"
	"github.com/onnwee/streamherald/telemetry"
	"github.com/onnwee/streamherald/twitchapi"
)

// errBadRequest marks input validation failures.
var errBadRequest = errors.New("bad request")

// Twitch logins are 1-25 word characters.
var loginPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)
})

var numericPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^[0-9]{1,20}$`)
})

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrDuplicateSubscription), errors.Is(err, db.ErrDestinationNotSet):
		return http.StatusConflict
	case errors.Is(err, db.ErrNotSubscribed), errors.Is(err, db.ErrCommunityNotFound):
		return http.StatusNotFound
	case errors.Is(err, twitchapi.ErrAuth):
		return http.StatusServiceUnavailable
	case errors.Is(err, subscriptions.ErrUpstreamLookupFailed), errors.Is(err, subscriptions.ErrUpstreamRegistrationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes its mapped status. Internal errors are not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	logger := telemetry.LoggerWithCorr(r.Context())
	if status >= 500 {
		logger.Error("request failed", slog.String("component", "http"), slog.String("path", r.URL.Path), slog.Any("err", err))
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		logger.Info("request rejected", slog.String("component", "http"), slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	}
	writeErrorMessage(w, status, msg)
}

// parseSnowflake validates a Discord id and returns it in canonical decimal form.
func parseSnowflake(name, raw string) (string, error) {
	id, err := snowflake.Parse(raw)
	if err != nil || id == 0 {
		return "", fmt.Errorf("%w: %s must be a Discord snowflake", errBadRequest, name)
	}
	return id.String(), nil
}

func parseLogin(raw string) (string, error) {
	if !loginPattern().MatchString(raw) {
		return "", fmt.Errorf("%w: login must be a Twitch login name", errBadRequest)
	}
	return raw, nil
}
