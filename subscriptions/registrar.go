// Package subscriptions coordinates the relational store with Twitch EventSub registration:
// which community follows which broadcaster and where their announcements go.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/telemetry"
	"github.com/onnwee/streamherald/twitchapi"
)

var (
	// ErrUpstreamLookupFailed means a login or id could not be resolved through Twitch.
	ErrUpstreamLookupFailed = errors.New("twitch user lookup failed")
	// ErrUpstreamRegistrationFailed means Twitch refused or failed the EventSub registration.
	ErrUpstreamRegistrationFailed = errors.New("twitch eventsub registration failed")
)

// Store is the slice of db.Store the registrar needs.
type Store interface {
	SetDestination(ctx context.Context, communityID, destinationID string) (db.DestinationChange, error)
	GetDestination(ctx context.Context, communityID string) (string, error)
	CreateSubscription(ctx context.Context, communityID, broadcasterID string) error
	DeleteSubscription(ctx context.Context, communityID, broadcasterID string) error
	ListBroadcasters(ctx context.Context, communityID string) ([]string, error)
}

// Upstream is the slice of the Helix client the registrar needs.
type Upstream interface {
	ResolveID(ctx context.Context, cred twitchapi.Credential, login string) (string, error)
	ResolveName(ctx context.Context, cred twitchapi.Credential, id string) (string, error)
	CreateStreamOnlineSubscription(ctx context.Context, cred twitchapi.Credential, broadcasterID, callback, secret string) (twitchapi.EventSubSubscription, error)
	ListEventSubSubscriptions(ctx context.Context, cred twitchapi.Credential) ([]twitchapi.EventSubSubscription, error)
	DeleteEventSubSubscription(ctx context.Context, cred twitchapi.Credential, id string) error
}

// Registrar implements the subscription operations collaborators call.
// Every operation that talks to Twitch uses a fresh app token and revokes it before returning.
type Registrar struct {
	Store       Store
	Credentials twitchapi.CredentialSource
	Upstream    Upstream
	CallbackURL string
	Secret      string
}

// Subscribed describes a successful subscribe.
type Subscribed struct {
	CommunityID   string
	BroadcasterID string
	Login         string
	// AlreadyRegistered is true when Twitch already had a webhook for the broadcaster.
	AlreadyRegistered bool
}

// CancelReport counts the outcome of CancelAll.
type CancelReport struct {
	Cancelled int
	Failed    int
}

func (r *Registrar) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "registrar"))
}

// Subscribe makes the community follow login. The community must already have a destination.
func (r *Registrar) Subscribe(ctx context.Context, communityID, login string) (Subscribed, error) {
	if _, err := r.Store.GetDestination(ctx, communityID); err != nil {
		return Subscribed{}, err
	}
	out := Subscribed{CommunityID: communityID, Login: login}
	err := twitchapi.WithCredential(ctx, r.Credentials, func(ctx context.Context, cred twitchapi.Credential) error {
		id, err := r.Upstream.ResolveID(ctx, cred, login)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUpstreamLookupFailed, login, err)
		}
		out.BroadcasterID = id

		if _, err := r.Upstream.CreateStreamOnlineSubscription(ctx, cred, id, r.CallbackURL, r.Secret); err != nil {
			if !twitchapi.IsStatus(err, http.StatusConflict) {
				return fmt.Errorf("%w: %w", ErrUpstreamRegistrationFailed, err)
			}
			// Another community already registered this broadcaster; one webhook serves all.
			out.AlreadyRegistered = true
		}

		return r.Store.CreateSubscription(ctx, communityID, id)
	})
	if err != nil {
		return Subscribed{}, err
	}
	r.logger(ctx).Info("community subscribed",
		slog.String("community_id", communityID),
		slog.String("broadcaster_id", out.BroadcasterID),
		slog.String("login", login),
		slog.Bool("already_registered", out.AlreadyRegistered))
	return out, nil
}

// Unsubscribe removes the pair. The upstream registration stays; other communities may rely on it.
func (r *Registrar) Unsubscribe(ctx context.Context, communityID, login string) error {
	var id string
	err := twitchapi.WithCredential(ctx, r.Credentials, func(ctx context.Context, cred twitchapi.Credential) error {
		var err error
		id, err = r.Upstream.ResolveID(ctx, cred, login)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrUpstreamLookupFailed, login, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.Store.DeleteSubscription(ctx, communityID, id); err != nil {
		return err
	}
	r.logger(ctx).Info("community unsubscribed", slog.String("community_id", communityID), slog.String("broadcaster_id", id))
	return nil
}

// ListSubscriptions returns the logins the community follows. Ids Twitch no longer knows are
// listed raw; any other lookup failure aborts.
func (r *Registrar) ListSubscriptions(ctx context.Context, communityID string) ([]string, error) {
	ids, err := r.Store.ListBroadcasters(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	names := make([]string, 0, len(ids))
	err = twitchapi.WithCredential(ctx, r.Credentials, func(ctx context.Context, cred twitchapi.Credential) error {
		for _, id := range ids {
			name, err := r.Upstream.ResolveName(ctx, cred, id)
			switch {
			case errors.Is(err, twitchapi.ErrNotFound):
				r.logger(ctx).Warn("broadcaster no longer resolvable", slog.String("broadcaster_id", id))
				name = id
			case err != nil:
				return fmt.Errorf("%w: id %s: %w", ErrUpstreamLookupFailed, id, err)
			}
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// SetDestination creates or replaces the community's announcement destination.
func (r *Registrar) SetDestination(ctx context.Context, communityID, destinationID string) (db.DestinationChange, error) {
	change, err := r.Store.SetDestination(ctx, communityID, destinationID)
	if err != nil {
		return change, err
	}
	r.logger(ctx).Info("destination set",
		slog.String("community_id", communityID),
		slog.String("destination_id", destinationID),
		slog.String("result", change.String()))
	return change, nil
}

// GetDestination returns the community's destination or db.ErrDestinationNotSet.
func (r *Registrar) GetDestination(ctx context.Context, communityID string) (string, error) {
	return r.Store.GetDestination(ctx, communityID)
}

// ListUpstream returns every EventSub registration the app owns.
func (r *Registrar) ListUpstream(ctx context.Context) ([]twitchapi.EventSubSubscription, error) {
	var subs []twitchapi.EventSubSubscription
	err := twitchapi.WithCredential(ctx, r.Credentials, func(ctx context.Context, cred twitchapi.Credential) error {
		var err error
		subs, err = r.Upstream.ListEventSubSubscriptions(ctx, cred)
		return err
	})
	if subs == nil && err == nil {
		subs = []twitchapi.EventSubSubscription{}
	}
	return subs, err
}

// CancelAll deletes every upstream registration. Each deletion is independent; failures are
// logged and counted. It errors only when the token or the listing fails.
func (r *Registrar) CancelAll(ctx context.Context) (CancelReport, error) {
	var report CancelReport
	logger := r.logger(ctx)
	err := twitchapi.WithCredential(ctx, r.Credentials, func(ctx context.Context, cred twitchapi.Credential) error {
		subs, err := r.Upstream.ListEventSubSubscriptions(ctx, cred)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if err := r.Upstream.DeleteEventSubSubscription(ctx, cred, sub.ID); err != nil {
				report.Failed++
				logger.Warn("eventsub cancel failed", slog.String("subscription_id", sub.ID), slog.Any("err", err))
				continue
			}
			report.Cancelled++
			logger.Info("eventsub cancelled", slog.String("subscription_id", sub.ID), slog.String("type", sub.Type))
		}
		return nil
	})
	return report, err
}
