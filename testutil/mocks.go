// Package testutil holds shared fakes for package tests: a Twitch API mock and a Postgres fixture.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch id service and Helix API.
// Point Credentials.AuthBaseURL at URL and HelixClient.BaseURL at URL+"/helix".
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu      sync.Mutex
	revoked []string
	deleted []string
}

// NewMockTwitchServer creates a new mock Twitch API server with a working token endpoint
// and a revoke endpoint that records every revoked token.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		handler, ok := m.Handlers[key]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	m.MockOAuthTokenResponse("app-token", 3600)
	m.Handlers["/oauth2/revoke"] = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.revoked = append(m.revoked, r.PostForm.Get("token"))
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
	return m
}

// Revoked returns the tokens revoked so far.
func (m *MockTwitchServer) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.revoked...)
}

// Deleted returns the EventSub subscription ids deleted so far.
func (m *MockTwitchServer) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUsers adds a handler for /helix/users answering both ?login= and ?id= lookups
// from the given id -> login table.
func (m *MockTwitchServer) MockUsers(users map[string]string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		data := []map[string]string{}
		for id, login := range users {
			if q.Get("id") == id || q.Get("login") == login {
				data = append(data, map[string]string{"id": id, "login": login, "display_name": login})
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
	}
}

// MockCreateSubscription answers POST /helix/eventsub/subscriptions with status.
func (m *MockTwitchServer) MockCreateSubscription(status int) {
	m.Handlers["POST /helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		if status >= 300 {
			writeJSON(w, status, map[string]interface{}{"status": status, "message": "mock failure"})
			return
		}
		writeJSON(w, status, map[string]interface{}{
			"data": []map[string]string{{"id": "sub-new", "status": "webhook_callback_verification_pending", "type": "stream.online", "version": "1"}},
		})
	}
}

// MockListSubscriptions serves the given ids over GET, one id per page, and records deletions.
// Deleting an id in failIDs answers 500.
func (m *MockTwitchServer) MockListSubscriptions(ids []string, failIDs ...string) {
	m.Handlers["GET /helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if after := r.URL.Query().Get("after"); after != "" {
			for i, id := range ids {
				if id == after {
					idx = i + 1
				}
			}
		}
		page := map[string]interface{}{"data": []map[string]string{}, "pagination": map[string]string{}}
		if idx < len(ids) {
			page["data"] = []map[string]string{{"id": ids[idx], "status": "enabled", "type": "stream.online", "version": "1"}}
			if idx+1 < len(ids) {
				page["pagination"] = map[string]string{"cursor": ids[idx]}
			}
		}
		writeJSON(w, http.StatusOK, page)
	}
	m.Handlers["DELETE /helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		for _, f := range failIDs {
			if f == id {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		m.mu.Lock()
		m.deleted = append(m.deleted, id)
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

// MockOAuthFailure makes the token endpoint reject the client credentials.
func (m *MockTwitchServer) MockOAuthFailure() {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"status": 400, "message": "invalid client secret"})
	}
}
