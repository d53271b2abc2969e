package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamherald/telemetry"
)

// DestinationStore lists where announcements for a broadcaster go.
type DestinationStore interface {
	ListDestinations(ctx context.Context, broadcasterID string) ([]string, error)
}

// Sender delivers one announcement to one destination.
type Sender interface {
	Send(ctx context.Context, destinationID string, a Announcement) error
}

// DeliveryError is a failed delivery to a single destination. It never affects other destinations.
type DeliveryError struct {
	DestinationID string
	Err           error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.DestinationID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Report summarizes one fan-out.
type Report struct {
	Attempted int
	Failed    int
}

// Fanout delivers each event once to every destination subscribed to its broadcaster.
type Fanout struct {
	Store       DestinationStore
	Sender      Sender
	Author      string
	Concurrency int
}

// Deliver looks up destinations and sends to each concurrently. Failures are logged and
// counted per destination; Deliver itself never fails.
func (f *Fanout) Deliver(ctx context.Context, ev Event) Report {
	ctx, span := telemetry.StartSpan(ctx, "notify", "fanout.deliver")
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "fanout"),
		slog.String("notification_id", ev.NotificationID),
		slog.String("broadcaster_id", ev.BroadcasterID),
	)

	dests, err := f.Store.ListDestinations(ctx, ev.BroadcasterID)
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Error("destination lookup failed", slog.Any("err", err))
		return Report{}
	}
	if len(dests) == 0 {
		logger.Info("no destinations for broadcaster")
		return Report{}
	}

	a := NewAnnouncement(ev, f.Author)
	var failed atomic.Int32

	var g errgroup.Group
	if f.Concurrency > 0 {
		g.SetLimit(f.Concurrency)
	}
	for _, dest := range dests {
		g.Go(func() error {
			var err error
			telemetry.TimeFunc(telemetry.DeliveryDuration, func() {
				err = f.Sender.Send(ctx, dest, a)
			})
			telemetry.RecordDelivery(err == nil)
			if err != nil {
				failed.Add(1)
				logger.Warn("announcement delivery failed", slog.Any("err", &DeliveryError{DestinationID: dest, Err: err}))
				return nil
			}
			logger.Info("announcement delivered", slog.String("destination_id", dest))
			return nil
		})
	}
	_ = g.Wait()

	return Report{Attempted: len(dests), Failed: int(failed.Load())}
}

// LogSender writes announcements to the log instead of a chat platform. Used when no bot token is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, destinationID string, a Announcement) error {
	telemetry.LoggerWithCorr(ctx).Info("announcement (log only)",
		slog.String("component", "fanout"),
		slog.String("destination_id", destinationID),
		slog.String("title", a.Title),
		slog.String("url", a.URL))
	return nil
}
