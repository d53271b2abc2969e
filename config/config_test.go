package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TWITCH_CLIENT_ID", "client")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("TWITCH_SIGNING_SECRET", "signing-secret-123")
	t.Setenv("PUBLIC_BASE_URL", "https://herald.example.com/")
	t.Setenv("INTERNAL_ACCESS_TOKEN", "internal")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("UPSTREAM_TIMEOUT", "")
	t.Setenv("NOTIFICATION_DEDUP_TTL", "")
	t.Setenv("FANOUT_CONCURRENCY", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.UpstreamTimeout != 10*time.Second {
		t.Errorf("UpstreamTimeout = %v, want 10s", cfg.UpstreamTimeout)
	}
	if cfg.NotificationDedupTTL != 10*time.Minute {
		t.Errorf("NotificationDedupTTL = %v, want 10m", cfg.NotificationDedupTTL)
	}
	if cfg.FanoutConcurrency != 8 {
		t.Errorf("FanoutConcurrency = %d, want 8", cfg.FanoutConcurrency)
	}
	if cfg.TwitchAPIBaseURL != "https://api.twitch.tv/helix" {
		t.Errorf("unexpected api base %q", cfg.TwitchAPIBaseURL)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("UPSTREAM_TIMEOUT", "ten seconds")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "UPSTREAM_TIMEOUT") {
		t.Fatalf("expected UPSTREAM_TIMEOUT error, got %v", err)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("FANOUT_CONCURRENCY", "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric FANOUT_CONCURRENCY")
	}
}

func TestValidate(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	if got, want := cfg.CallbackURL(), "https://herald.example.com/twitch/callback"; got != want {
		t.Errorf("CallbackURL() = %q, want %q", got, want)
	}

	t.Setenv("INTERNAL_ACCESS_TOKEN", "")
	t.Setenv("TWITCH_CLIENT_ID", "")
	cfg, _ = Load()
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected error when required envs are missing")
	}
	for _, name := range []string{"INTERNAL_ACCESS_TOKEN", "TWITCH_CLIENT_ID"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %s", err, name)
		}
	}
}

func TestValidateSigningSecretLength(t *testing.T) {
	setRequired(t)
	t.Setenv("TWITCH_SIGNING_SECRET", "short")
	cfg, _ := Load()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for a signing secret shorter than 10 characters")
	}
}
