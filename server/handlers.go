package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/streamherald/db"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	reg     Registrar
	store   Store
	breaker Breaker
}

type destinationResponse struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Result    string `json:"result,omitempty"`
}

type subscriptionResponse struct {
	GuildID           string `json:"guild_id"`
	BroadcasterID     string `json:"broadcaster_id"`
	Login             string `json:"login"`
	AlreadyRegistered bool   `json:"already_registered"`
}

type cancelResponse struct {
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

func guildID(r *http.Request) (string, error) {
	return parseSnowflake("guild_id", r.PathValue("guild_id"))
}

// HandleSetDestination sets the guild's announcement channel: 201 when created, 200 otherwise.
func (h *Handlers) HandleSetDestination(w http.ResponseWriter, r *http.Request) {
	guild, err := guildID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	channel, err := parseSnowflake("channel_id", r.URL.Query().Get("channel_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	change, err := h.reg.SetDestination(r.Context(), guild, channel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if change == db.DestinationCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, destinationResponse{GuildID: guild, ChannelID: channel, Result: change.String()})
}

// HandleGetDestination returns the guild's announcement channel or 404.
func (h *Handlers) HandleGetDestination(w http.ResponseWriter, r *http.Request) {
	guild, err := guildID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	channel, err := h.reg.GetDestination(r.Context(), guild)
	if errors.Is(err, db.ErrDestinationNotSet) {
		writeErrorMessage(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, destinationResponse{GuildID: guild, ChannelID: channel})
}

// HandleListDestinations lists the channels announcing a broadcaster.
func (h *Handlers) HandleListDestinations(w http.ResponseWriter, r *http.Request) {
	broadcaster := r.URL.Query().Get("broadcaster_id")
	if !numericPattern().MatchString(broadcaster) {
		writeError(w, r, fmt.Errorf("%w: broadcaster_id must be a numeric Twitch user id", errBadRequest))
		return
	}
	dests, err := h.store.ListDestinations(r.Context(), broadcaster)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dests)
}

// HandleSubscribe makes the guild follow ?login=.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	guild, err := guildID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	login, err := parseLogin(r.URL.Query().Get("login"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := h.reg.Subscribe(r.Context(), guild, login)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionResponse{
		GuildID:           guild,
		BroadcasterID:     sub.BroadcasterID,
		Login:             login,
		AlreadyRegistered: sub.AlreadyRegistered,
	})
}

// HandleUnsubscribe stops the guild following ?login=.
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	guild, err := guildID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	login, err := parseLogin(r.URL.Query().Get("login"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.reg.Unsubscribe(r.Context(), guild, login); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListSubscriptions lists the logins the guild follows.
func (h *Handlers) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	guild, err := guildID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logins, err := h.reg.ListSubscriptions(r.Context(), guild)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logins)
}

// HandleListUpstream lists the app's EventSub registrations.
func (h *Handlers) HandleListUpstream(w http.ResponseWriter, r *http.Request) {
	subs, err := h.reg.ListUpstream(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// HandleCancelAll deletes every EventSub registration.
func (h *Handlers) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.reg.CancelAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: report.Cancelled, Failed: report.Failed})
}
