package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/streamherald/telemetry"
)

// ErrAuth reports that an app access token could not be obtained.
var ErrAuth = errors.New("twitch auth failed")

// revokeTimeout bounds the detached revocation call.
const revokeTimeout = 5 * time.Second

// Credential is a short-lived app access token. It is acquired per operation and never cached.
type Credential struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
}

// CredentialSource hands out and revokes app access tokens.
type CredentialSource interface {
	Acquire(ctx context.Context) (Credential, error)
	Revoke(ctx context.Context, cred Credential)
}

// Credentials performs the client_credentials grant against the Twitch id service.
// NOTE: app tokens are fine for Helix/EventSub webhooks but never for chat.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AuthBaseURL  string // e.g. https://id.twitch.tv
	HTTPClient   *http.Client
}

func (c *Credentials) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *Credentials) authBase() string {
	if c.AuthBaseURL != "" {
		return strings.TrimRight(c.AuthBaseURL, "/")
	}
	return "https://id.twitch.tv"
}

// Acquire exchanges the client id/secret for a fresh app access token.
// Every failure wraps ErrAuth.
func (c *Credentials) Acquire(ctx context.Context) (Credential, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return Credential{}, fmt.Errorf("%w: missing client id/secret", ErrAuth)
	}
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "oauth2.token")
	defer span.End()

	cfg := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.authBase() + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	start := time.Now()
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http()))
	telemetry.RecordUpstream("token", err, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return Credential{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if tok.AccessToken == "" {
		return Credential{}, fmt.Errorf("%w: empty access_token in twitch response", ErrAuth)
	}
	return Credential{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Expiry: tok.Expiry}, nil
}

// Revoke invalidates the token. It is best-effort: failures are logged and counted, never returned.
// The call is detached from ctx cancellation so cleanup still happens when the caller gave up.
func (c *Credentials) Revoke(ctx context.Context, cred Credential) {
	if cred.AccessToken == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()
	if err := c.revoke(ctx, cred.AccessToken); err != nil {
		telemetry.IncRevocationFailures()
		telemetry.LoggerWithCorr(ctx).Warn("twitch token revocation failed", slog.String("component", "twitch_credentials"), slog.Any("err", err))
	}
}

func (c *Credentials) revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase()+"/oauth2/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	start := time.Now()
	resp, err := c.http().Do(req)
	telemetry.RecordUpstream("revoke", err, time.Since(start))
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// WithCredential acquires a credential, runs fn and revokes the credential exactly once,
// whatever fn returns.
func WithCredential(ctx context.Context, src CredentialSource, fn func(ctx context.Context, cred Credential) error) error {
	cred, err := src.Acquire(ctx)
	if err != nil {
		return err
	}
	defer src.Revoke(ctx, cred)
	return fn(ctx, cred)
}
