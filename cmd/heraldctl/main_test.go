package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/streamherald/config"
	"github.com/onnwee/streamherald/testutil"
)

func execute(t *testing.T, loadConfig func() (*config.Config, error), args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(loadConfig)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mockConfig(mock *testutil.MockTwitchServer) func() (*config.Config, error) {
	return func() (*config.Config, error) {
		return &config.Config{
			TwitchClientID:     "client-id",
			TwitchClientSecret: "client-secret",
			TwitchAuthBaseURL:  mock.URL,
			TwitchAPIBaseURL:   mock.URL + "/helix",
			UpstreamTimeout:    5 * time.Second,
		}, nil
	}
}

func TestEventsubList(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockListSubscriptions([]string{"s1", "s2"})

	out, err := execute(t, mockConfig(mock), "eventsub", "list")
	if err != nil {
		t.Fatalf("eventsub list: %v", err)
	}
	for _, want := range []string{"ID", "s1", "s2", "stream.online"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if len(mock.Revoked()) != 1 {
		t.Errorf("revoked %d tokens, want 1", len(mock.Revoked()))
	}
}

func TestEventsubCancelAll(t *testing.T) {
	tests := []struct {
		name    string
		failIDs []string
		wantOut string
		wantErr bool
	}{
		{name: "all cancelled", wantOut: "cancelled 3, failed 0"},
		{name: "partial failure", failIDs: []string{"s2"}, wantOut: "cancelled 2, failed 1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockTwitchServer(t)
			mock.MockListSubscriptions([]string{"s1", "s2", "s3"}, tt.failIDs...)

			out, err := execute(t, mockConfig(mock), "eventsub", "cancel-all")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("output = %q, want %q", out, tt.wantOut)
			}
		})
	}
}

func TestEventsubRequiresCredentials(t *testing.T) {
	load := func() (*config.Config, error) { return &config.Config{}, nil }
	if _, err := execute(t, load, "eventsub", "list"); err == nil {
		t.Fatal("expected error without Twitch credentials")
	}
}

func TestCommunityDeleteValidatesID(t *testing.T) {
	called := false
	load := func() (*config.Config, error) {
		called = true
		return nil, errors.New("no config")
	}
	_, err := execute(t, load, "community", "delete", "not-a-guild")
	if err == nil || !strings.Contains(err.Error(), "snowflake") {
		t.Fatalf("err = %v, want snowflake validation error", err)
	}
	if called {
		t.Error("config should not be loaded for an invalid id")
	}
}

func TestArgumentValidation(t *testing.T) {
	load := func() (*config.Config, error) { return nil, errors.New("unused") }
	for _, args := range [][]string{
		{"community", "delete"},
		{"eventsub", "list", "extra"},
		{"migrate", "version", "extra"},
	} {
		if _, err := execute(t, load, args...); err == nil {
			t.Errorf("%v: expected argument error", args)
		}
	}
}

func TestMigrateVersionAgainstPostgres(t *testing.T) {
	testutil.SetupTestDB(t)
	load := func() (*config.Config, error) {
		return &config.Config{DBDsn: os.Getenv("TEST_PG_DSN")}, nil
	}
	out, err := execute(t, load, "migrate", "version")
	if err != nil {
		t.Fatalf("migrate version: %v", err)
	}
	if !strings.Contains(out, "version 1 dirty=false") {
		t.Errorf("output = %q", out)
	}
}
