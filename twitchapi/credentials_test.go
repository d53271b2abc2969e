package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newAuthServer(t *testing.T, tokenStatus int, revoked *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.PostForm.Get("grant_type") != "client_credentials" {
				t.Errorf("grant_type = %q, want client_credentials", r.PostForm.Get("grant_type"))
			}
			if r.PostForm.Get("client_id") != "test-client" {
				t.Errorf("client_id = %q, want test-client", r.PostForm.Get("client_id"))
			}
			if tokenStatus != http.StatusOK {
				w.WriteHeader(tokenStatus)
				_, _ = w.Write([]byte(`{"status":400,"message":"invalid client secret"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "app-token-1",
				"expires_in":   3600,
				"token_type":   "bearer",
			})
		case "/oauth2/revoke":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.PostForm.Get("token") != "app-token-1" {
				t.Errorf("revoked token = %q, want app-token-1", r.PostForm.Get("token"))
			}
			if revoked != nil {
				revoked.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCredentials_Acquire(t *testing.T) {
	srv := newAuthServer(t, http.StatusOK, nil)
	c := &Credentials{ClientID: "test-client", ClientSecret: "test-secret", AuthBaseURL: srv.URL, HTTPClient: srv.Client()}

	cred, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if cred.AccessToken != "app-token-1" {
		t.Errorf("AccessToken = %q, want app-token-1", cred.AccessToken)
	}
	if cred.Expiry.IsZero() {
		t.Error("expected expiry to be set from expires_in")
	}
}

func TestCredentials_AcquireFailureIsAuthError(t *testing.T) {
	tests := []struct {
		name  string
		creds *Credentials
	}{
		{name: "rejected secret", creds: &Credentials{ClientID: "test-client", ClientSecret: "wrong"}},
		{name: "missing secret", creds: &Credentials{ClientID: "test-client"}},
	}
	srv := newAuthServer(t, http.StatusBadRequest, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.creds.AuthBaseURL = srv.URL
			tt.creds.HTTPClient = srv.Client()
			_, err := tt.creds.Acquire(context.Background())
			if !errors.Is(err, ErrAuth) {
				t.Fatalf("Acquire() error = %v, want ErrAuth", err)
			}
		})
	}
}

func TestCredentials_RevokeSurvivesCancelledContext(t *testing.T) {
	var revoked atomic.Int32
	srv := newAuthServer(t, http.StatusOK, &revoked)
	c := &Credentials{ClientID: "test-client", ClientSecret: "test-secret", AuthBaseURL: srv.URL, HTTPClient: srv.Client()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Revoke(ctx, Credential{AccessToken: "app-token-1"})
	if revoked.Load() != 1 {
		t.Errorf("revoke calls = %d, want 1", revoked.Load())
	}
}

func TestCredentials_RevokeFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := &Credentials{ClientID: "test-client", AuthBaseURL: srv.URL, HTTPClient: srv.Client()}
	// Must not panic or block.
	c.Revoke(context.Background(), Credential{AccessToken: "tok"})
}

type countingSource struct {
	acquireErr error
	acquired   int
	revoked    int
}

func (s *countingSource) Acquire(context.Context) (Credential, error) {
	if s.acquireErr != nil {
		return Credential{}, s.acquireErr
	}
	s.acquired++
	return Credential{AccessToken: "tok"}, nil
}

func (s *countingSource) Revoke(context.Context, Credential) { s.revoked++ }

func TestWithCredential(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		acquireErr  error
		fnErr       error
		wantErr     error
		wantRevoked int
	}{
		{name: "success revokes once", wantRevoked: 1},
		{name: "fn failure still revokes", fnErr: boom, wantErr: boom, wantRevoked: 1},
		{name: "acquire failure skips fn and revoke", acquireErr: ErrAuth, wantErr: ErrAuth, wantRevoked: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &countingSource{acquireErr: tt.acquireErr}
			called := false
			err := WithCredential(context.Background(), src, func(ctx context.Context, cred Credential) error {
				called = true
				if cred.AccessToken != "tok" {
					t.Errorf("fn got token %q", cred.AccessToken)
				}
				return tt.fnErr
			})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if src.revoked != tt.wantRevoked {
				t.Errorf("revoked = %d, want %d", src.revoked, tt.wantRevoked)
			}
			if called == (tt.acquireErr != nil) {
				t.Errorf("fn called = %v with acquireErr %v", called, tt.acquireErr)
			}
		})
	}
}
