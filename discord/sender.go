// Package discord posts announcements to Discord channels through the bot REST API.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/onnwee/streamherald/notify"
	"github.com/onnwee/streamherald/telemetry"
)

// APIError is a non-2xx response from Discord.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Options configures a Sender.
type Options struct {
	Token   string
	BaseURL string // e.g. https://discord.com/api/v10
	// RatePerSecond paces outgoing messages across all channels. Zero disables pacing.
	RatePerSecond float64
	HTTPClient    *http.Client
}

// Sender implements notify.Sender for Discord channels.
type Sender struct {
	token   string
	baseURL string
	hc      *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

// NewSender builds a Sender with a rate limiter and a circuit breaker. The breaker trips at a
// 60% failure rate over at least 5 requests in a 10s window and probes again after 30s.
// Client errors (4xx) such as a missing channel permission do not count against it.
func NewSender(opts Options) *Sender {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	s := &Sender{
		token:   opts.Token,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		hc:      hc,
		limiter: rate.NewLimiter(limit, 1),
	}
	if s.baseURL == "" {
		s.baseURL = "https://discord.com/api/v10"
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "discord",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				slog.String("component", "discord"),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
	})
	return s
}

// State exposes the breaker state for readiness reporting.
func (s *Sender) State() gobreaker.State { return s.cb.State() }

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embed struct {
	Title     string       `json:"title,omitempty"`
	URL       string       `json:"url,omitempty"`
	Color     int          `json:"color,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Author    *embedAuthor `json:"author,omitempty"`
	Thumbnail *embedImage  `json:"thumbnail,omitempty"`
	Fields    []embedField `json:"fields,omitempty"`
}

type embedAuthor struct {
	Name string `json:"name"`
}

type embedImage struct {
	URL string `json:"url"`
}

type createMessage struct {
	Content         string          `json:"content,omitempty"`
	Embeds          []embed         `json:"embeds"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

func toMessage(a notify.Announcement) createMessage {
	e := embed{Title: a.Title, URL: a.URL, Color: a.Color}
	if !a.Timestamp.IsZero() {
		e.Timestamp = a.Timestamp.UTC().Format(time.RFC3339)
	}
	if a.Author != "" {
		e.Author = &embedAuthor{Name: a.Author}
	}
	if a.ThumbnailURL != "" {
		e.Thumbnail = &embedImage{URL: a.ThumbnailURL}
	}
	for _, f := range a.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	msg := createMessage{Content: a.Content, Embeds: []embed{e}, AllowedMentions: allowedMentions{Parse: []string{}}}
	if strings.Contains(a.Content, "@everyone") {
		msg.AllowedMentions.Parse = []string{"everyone"}
	}
	return msg
}

// Send posts a to the channel. It waits for the rate limiter, then calls through the breaker;
// an open breaker fails fast with gobreaker.ErrOpenState.
func (s *Sender) Send(ctx context.Context, channelID string, a notify.Announcement) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord rate limit wait: %w", err)
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, channelID, toMessage(a))
	})
	return err
}

func (s *Sender) post(ctx context.Context, channelID string, msg createMessage) error {
	ctx, span := telemetry.StartSpan(ctx, "discord", "discord.create_message")
	defer span.End()

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/channels/"+channelID+"/messages", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+s.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/onnwee/streamherald, 1.0)")
	resp, err := s.hc.Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
