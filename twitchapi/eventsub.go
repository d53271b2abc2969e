package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// StreamOnlineType is the only EventSub subscription type the relay registers.
const (
	StreamOnlineType    = "stream.online"
	StreamOnlineVersion = "1"
)

// EventSubTransport describes where Twitch delivers notifications.
type EventSubTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// EventSubSubscription is a registration as Twitch reports it.
type EventSubSubscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport EventSubTransport `json:"transport"`
	CreatedAt time.Time         `json:"created_at"`
	Cost      int               `json:"cost"`
}

type createSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport EventSubTransport `json:"transport"`
}

type subscriptionPage struct {
	Data       []EventSubSubscription `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// CreateStreamOnlineSubscription registers a stream.online webhook for the broadcaster.
// A 409 Conflict (already registered) is returned as an *APIError; callers decide what it means.
func (hc *HelixClient) CreateStreamOnlineSubscription(ctx context.Context, cred Credential, broadcasterID, callback, secret string) (EventSubSubscription, error) {
	if broadcasterID == "" {
		return EventSubSubscription{}, fmt.Errorf("broadcasterID empty")
	}
	in := createSubscriptionRequest{
		Type:      StreamOnlineType,
		Version:   StreamOnlineVersion,
		Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		Transport: EventSubTransport{Method: "webhook", Callback: callback, Secret: secret},
	}
	var page subscriptionPage
	if err := hc.do(ctx, cred, "eventsub_create", http.MethodPost, "/eventsub/subscriptions", nil, in, &page); err != nil {
		return EventSubSubscription{}, err
	}
	if len(page.Data) == 0 {
		return EventSubSubscription{}, nil
	}
	return page.Data[0], nil
}

// ListEventSubSubscriptions returns every registration owned by the app, following pagination cursors.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context, cred Credential) ([]EventSubSubscription, error) {
	var out []EventSubSubscription
	cursor := ""
	for {
		q := url.Values{}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var page subscriptionPage
		if err := hc.do(ctx, cred, "eventsub_list", http.MethodGet, "/eventsub/subscriptions", q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		if page.Pagination.Cursor == "" || page.Pagination.Cursor == cursor {
			return out, nil
		}
		cursor = page.Pagination.Cursor
	}
}

// DeleteEventSubSubscription cancels one registration by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, cred Credential, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	return hc.do(ctx, cred, "eventsub_delete", http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil)
}
