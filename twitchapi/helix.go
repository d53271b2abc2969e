// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// app access tokens, user id/login resolution and EventSub subscription management.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamherald/telemetry"
)

// defaultHTTPClient is used when no client is injected.
var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// ErrNotFound is returned when a lookup succeeds but yields no user.
var ErrNotFound = errors.New("twitch user not found")

// APIError is a non-success response from Twitch.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// HelixClient provides the Helix calls the relay needs.
type HelixClient struct {
	ClientID   string
	BaseURL    string // e.g. https://api.twitch.tv/helix
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return defaultHTTPClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return "https://api.twitch.tv/helix"
}

// do sends one authenticated Helix request. A non-nil in is JSON encoded; a non-nil out is
// decoded from a 2xx body. Any other status becomes an *APIError.
func (hc *HelixClient) do(ctx context.Context, cred Credential, op, method, path string, q url.Values, in, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix."+op,
		attribute.String("http.method", method),
		attribute.String("twitch.path", path),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		telemetry.RecordUpstream(op, err, time.Since(start))
		telemetry.RecordError(span, err)
	}()

	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return fmt.Errorf("twitch %s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// User is the subset of a Helix user the relay reads.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

func (hc *HelixClient) getUser(ctx context.Context, cred Credential, key, value string) (User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, cred, "users", http.MethodGet, "/users", url.Values{key: {value}}, nil, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("%s %q: %w", key, value, ErrNotFound)
	}
	return body.Data[0], nil
}

// ResolveID resolves a login name to its user ID.
func (hc *HelixClient) ResolveID(ctx context.Context, cred Credential, login string) (string, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	u, err := hc.getUser(ctx, cred, "login", login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// ResolveName resolves a user ID to its login name.
func (hc *HelixClient) ResolveName(ctx context.Context, cred Credential, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("id empty")
	}
	u, err := hc.getUser(ctx, cred, "id", id)
	if err != nil {
		return "", err
	}
	return u.Login, nil
}
