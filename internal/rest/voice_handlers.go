package rest

import (
	"net/http"
	"net/url"

	"github.com/markjsapp/Haven-sub000/internal/gateway"
	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/linkpreview"
	"github.com/markjsapp/Haven-sub000/internal/models"
	"github.com/markjsapp/Haven-sub000/internal/permissions"
)

func (h *Handlers) handleVoiceJoin(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireChannelAccess(r, channelID, userID); err != nil {
		writeError(w, err)
		return
	}

	channel, err := h.db.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	if channel.Type != models.ChannelVoice {
		writeError(w, herr.New(herr.Validation, "not a voice channel"))
		return
	}

	token, err := h.voice.IssueJoinToken(channelID.String(), userID.String())
	if err != nil {
		writeError(w, err)
		return
	}

	h.voiceRms.Join(channelID, userID)
	ch := channelID
	uid := userID
	h.hub.BroadcastToChannel(r.Context(), channelID, gateway.ServerMessage{
		Type: gateway.EvtVoiceStateUpdate, Channel: &ch, UserID: &uid, Status: "joined",
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"url":   h.voice.URL,
	})
}

func (h *Handlers) handleVoiceLeave(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	h.voiceRms.Leave(channelID, userID)

	ch := channelID
	uid := userID
	h.hub.BroadcastToChannel(r.Context(), channelID, gateway.ServerMessage{
		Type: gateway.EvtVoiceStateUpdate, Channel: &ch, UserID: &uid, Status: "left",
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleVoiceMute is the moderator server-mute; self-mute is a client-side
// concern the SFU handles.
func (h *Handlers) handleVoiceMute(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	targetUser, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}

	channel, err := h.db.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	if channel.ServerID == nil {
		writeError(w, herr.New(herr.Validation, "server mute applies to server voice channels"))
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, *channel.ServerID, userID, permissions.MuteMembers); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Muted    bool `json:"muted"`
		Deafened bool `json:"deafened"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h.voiceRms.SetMute(channelID, targetUser, req.Muted)
	h.voiceRms.SetDeafen(channelID, targetUser, req.Deafened)

	ch := channelID
	uid := targetUser
	status := "unmuted"
	if req.Muted {
		status = "muted"
	}
	h.hub.BroadcastToChannel(r.Context(), channelID, gateway.ServerMessage{
		Type: gateway.EvtVoiceMuteUpdate, Channel: &ch, UserID: &uid, Status: status,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleLinkPreview(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, herr.New(herr.Validation, "url is required"))
		return
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		writeError(w, herr.New(herr.Validation, "url must be http or https"))
		return
	}
	if err := linkpreview.CheckHost(r.Context(), parsed.Hostname()); err != nil {
		writeError(w, err)
		return
	}

	body, contentType, err := linkpreview.Fetch(r.Context(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *Handlers) handleGifSearch(w http.ResponseWriter, r *http.Request) {
	if h.cfg.GifAPIKey == "" {
		writeError(w, herr.New(herr.Validation, "GIF search is not configured"))
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, herr.New(herr.Validation, "q is required"))
		return
	}

	target := "https://tenor.googleapis.com/v2/search?" + url.Values{
		"key":   {h.cfg.GifAPIKey},
		"q":     {query},
		"limit": {"20"},
	}.Encode()

	body, contentType, err := linkpreview.Fetch(r.Context(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
