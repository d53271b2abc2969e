package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/streamherald/telemetry"
)

type fakeStore struct {
	subs map[string][]string // broadcaster -> destinations
	err  error
}

func (s *fakeStore) ListDestinations(_ context.Context, broadcasterID string) ([]string, error) {
	return s.subs[broadcasterID], s.err
}

type recordingSender struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []string
	last Announcement
}

func (s *recordingSender) Send(_ context.Context, dest string, a Announcement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[dest] {
		return errors.New("missing access")
	}
	s.sent = append(s.sent, dest)
	s.last = a
	return nil
}

func TestFanoutDeliver(t *testing.T) {
	tests := []struct {
		name          string
		subs          map[string][]string
		fail          map[string]bool
		broadcaster   string
		wantSent      []string
		wantAttempted int
		wantFailed    int
	}{
		{
			name:          "single community",
			subs:          map[string][]string{"B1": {"D1"}},
			broadcaster:   "B1",
			wantSent:      []string{"D1"},
			wantAttempted: 1,
		},
		{
			name:          "failing destination does not block others",
			subs:          map[string][]string{"B1": {"D1", "D2"}},
			fail:          map[string]bool{"D1": true},
			broadcaster:   "B1",
			wantSent:      []string{"D2"},
			wantAttempted: 2,
			wantFailed:    1,
		},
		{
			name:        "no subscribers",
			subs:        map[string][]string{"B2": {"D3"}},
			broadcaster: "B1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{fail: tt.fail}
			f := &Fanout{Store: &fakeStore{subs: tt.subs}, Sender: sender, Author: "streamherald", Concurrency: 2}
			r := f.Deliver(context.Background(), Event{NotificationID: "n1", BroadcasterID: tt.broadcaster, BroadcasterLogin: "waffle", BroadcasterName: "Waffle"})
			if r.Attempted != tt.wantAttempted || r.Failed != tt.wantFailed {
				t.Errorf("report = %+v, want attempted=%d failed=%d", r, tt.wantAttempted, tt.wantFailed)
			}
			sort.Strings(sender.sent)
			if len(sender.sent) != len(tt.wantSent) {
				t.Fatalf("sent = %v, want %v", sender.sent, tt.wantSent)
			}
			for i := range tt.wantSent {
				if sender.sent[i] != tt.wantSent[i] {
					t.Errorf("sent = %v, want %v", sender.sent, tt.wantSent)
				}
			}
		})
	}
}

func deliverySamples(t *testing.T) uint64 {
	t.Helper()
	h, ok := telemetry.DeliveryDuration.(prometheus.Histogram)
	if !ok {
		t.Fatalf("DeliveryDuration is %T, want a histogram", telemetry.DeliveryDuration)
	}
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestFanoutRecordsDeliveryMetrics(t *testing.T) {
	telemetry.Init()
	samples := deliverySamples(t)
	failed := testutil.ToFloat64(telemetry.FanoutDeliveries.WithLabelValues("failed"))

	sender := &recordingSender{fail: map[string]bool{"D1": true}}
	f := &Fanout{Store: &fakeStore{subs: map[string][]string{"B1": {"D1", "D2"}}}, Sender: sender, Concurrency: 2}
	f.Deliver(context.Background(), Event{NotificationID: "n1", BroadcasterID: "B1", BroadcasterLogin: "waffle"})

	if got := deliverySamples(t) - samples; got != 2 {
		t.Errorf("delivery duration samples = %d, want 2", got)
	}
	if got := testutil.ToFloat64(telemetry.FanoutDeliveries.WithLabelValues("failed")) - failed; got != 1 {
		t.Errorf("failed deliveries delta = %v, want 1", got)
	}
}

func TestFanoutStoreFailure(t *testing.T) {
	sender := &recordingSender{}
	f := &Fanout{Store: &fakeStore{err: errors.New("db down")}, Sender: sender}
	r := f.Deliver(context.Background(), Event{BroadcasterID: "B1"})
	if r.Attempted != 0 || len(sender.sent) != 0 {
		t.Errorf("expected nothing sent on store failure, got %+v %v", r, sender.sent)
	}
}

func TestNewAnnouncement(t *testing.T) {
	started := time.Date(2026, 10, 16, 18, 30, 5, 0, time.UTC)
	a := NewAnnouncement(Event{BroadcasterLogin: "thechosenwaffle", BroadcasterName: "TheChosenWaffle", StartedAt: started}, "streamherald")

	if a.Title != "TheChosenWaffle is live NOW on Twitch!" {
		t.Errorf("Title = %q", a.Title)
	}
	if a.URL != "https://www.twitch.tv/thechosenwaffle" {
		t.Errorf("URL = %q", a.URL)
	}
	if a.Content != "@everyone" || a.Color != 0xB9A3E3 {
		t.Errorf("content/color = %q/%x", a.Content, a.Color)
	}
	if len(a.Fields) != 2 || a.Fields[0].Value != "Fri Oct 16 2026" || a.Fields[1].Value != "18:30:05 UTC" {
		t.Errorf("Fields = %+v", a.Fields)
	}
	if !a.Timestamp.Equal(started) {
		t.Errorf("Timestamp = %v", a.Timestamp)
	}
}

func TestNewAnnouncementFallsBackToLogin(t *testing.T) {
	a := NewAnnouncement(Event{BroadcasterLogin: "waffle"}, "")
	if a.Title != "waffle is live NOW on Twitch!" {
		t.Errorf("Title = %q", a.Title)
	}
	if len(a.Fields) != 0 {
		t.Errorf("expected no date fields without a start time, got %+v", a.Fields)
	}
}

func TestDeliveryErrorUnwrap(t *testing.T) {
	base := errors.New("forbidden")
	var err error = &DeliveryError{DestinationID: "D1", Err: base}
	if !errors.Is(err, base) {
		t.Error("DeliveryError should unwrap to its cause")
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.DestinationID != "D1" {
		t.Errorf("errors.As failed: %v", err)
	}
}
