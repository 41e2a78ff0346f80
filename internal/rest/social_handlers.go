package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/gateway"
	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
	"github.com/markjsapp/Haven-sub000/internal/permissions"
	"github.com/markjsapp/Haven-sub000/internal/ratelimit"
	"github.com/markjsapp/Haven-sub000/internal/storage"
)

func (h *Handlers) hashEmail(email string) string {
	mac := hmac.New(sha256.New, []byte(h.cfg.JWTSecret))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handlers) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.db.GetUserByID(r.Context(), UserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var user models.User
	if hit, cacheErr := h.cache.Get(r.Context(), cache.UserKey(id.String()), &user); cacheErr == nil && hit {
		writeJSON(w, http.StatusOK, &user)
		return
	}

	fetched, err := h.db.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cache.Set(r.Context(), cache.UserKey(id.String()), fetched, cache.UserTTL)
	writeJSON(w, http.StatusOK, fetched)
}

func (h *Handlers) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName *string `json:"display_name,omitempty"`
		AvatarURL   *string `json:"avatar_url,omitempty"`
		Bio         *string `json:"bio,omitempty"`
		DMPrivacy   *string `json:"dm_privacy,omitempty"`
		Email       *string `json:"email,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	fields := map[string]interface{}{}
	if req.DisplayName != nil {
		fields["display_name"] = *req.DisplayName
	}
	if req.Email != nil {
		// only an HMAC of the address is ever stored
		if *req.Email == "" {
			fields["email_hash"] = nil
		} else {
			fields["email_hash"] = h.hashEmail(*req.Email)
		}
	}
	if req.AvatarURL != nil {
		fields["avatar_url"] = *req.AvatarURL
	}
	if req.Bio != nil {
		fields["bio"] = *req.Bio
	}
	if req.DMPrivacy != nil {
		switch *req.DMPrivacy {
		case "everyone", "friends_only", "server_members":
			fields["dm_privacy"] = *req.DMPrivacy
		default:
			writeError(w, herr.New(herr.Validation, "dm_privacy must be everyone, friends_only, or server_members"))
			return
		}
	}

	userID := UserID(r)
	if err := h.db.UpdateProfile(r.Context(), userID, fields); err != nil {
		writeError(w, err)
		return
	}
	h.cache.Invalidate(r.Context(), cache.UserKey(userID.String()))
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteMe collects the storage keys of the user's uploads, deletes the
// account (owned servers plus a soft delete of the user row), then removes
// those blobs.
func (h *Handlers) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)

	keys, err := h.db.AttachmentKeysOwnedByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.db.DeleteUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	for _, key := range keys {
		h.storage.Delete(r.Context(), key)
	}
	h.cache.Invalidate(r.Context(), cache.UserKey(userID.String()))
	w.WriteHeader(http.StatusNoContent)
}

// handleGetPresence serves the display status; invisible users read as
// offline to everyone but themselves.
func (h *Handlers) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	status := h.presence.ForDisplay(id)
	if id == UserID(r) {
		if raw, ok := h.presence.Raw(id); ok {
			status = raw
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handlers) handleOpenDM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if req.UserID == userID {
		writeError(w, herr.New(herr.Validation, "cannot open a DM with yourself"))
		return
	}

	target, err := h.db.GetUserByID(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	status := models.DMActive
	switch target.DMPrivacy {
	case "friends_only":
		friends, err := h.db.AreFriends(r.Context(), userID, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !friends {
			status = models.DMPending
		}
	case "server_members":
		shared, err := h.db.ShareServer(r.Context(), userID, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !shared {
			status = models.DMPending
		}
	}

	ch := &models.Channel{ID: uuid.New(), Type: models.ChannelDM, DMStatus: &status}
	if err := h.db.CreateChannel(r.Context(), ch); err != nil {
		writeError(w, err)
		return
	}
	for _, member := range []uuid.UUID{userID, req.UserID} {
		if err := h.db.AddChannelMember(r.Context(), ch.ID, member); err != nil {
			writeError(w, err)
			return
		}
	}

	if status == models.DMPending {
		chID := ch.ID
		from := userID
		h.hub.DeliverToUser(r.Context(), req.UserID, gateway.ServerMessage{
			Type: gateway.EvtDmRequestReceived, Channel: &chID, UserID: &from,
		})
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handlers) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedMeta string      `json:"encrypted_meta"`
		MemberIDs     []uuid.UUID `json:"member_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.MemberIDs) == 0 {
		writeError(w, herr.New(herr.Validation, "member_ids must be non-empty"))
		return
	}
	meta, err := b64(req.EncryptedMeta)
	if err != nil {
		writeError(w, herr.New(herr.Validation, "encrypted_meta must be base64"))
		return
	}

	userID := UserID(r)
	ch := &models.Channel{ID: uuid.New(), Type: models.ChannelGroup, EncryptedMeta: meta}
	if err := h.db.CreateChannel(r.Context(), ch); err != nil {
		writeError(w, err)
		return
	}
	members := append([]uuid.UUID{userID}, req.MemberIDs...)
	for _, member := range members {
		if err := h.db.AddChannelMember(r.Context(), ch.ID, member); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handlers) handleSendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if req.UserID == userID {
		writeError(w, herr.New(herr.Validation, "cannot friend yourself"))
		return
	}
	if err := h.db.SendFriendRequest(r.Context(), userID, req.UserID); err != nil {
		writeError(w, err)
		return
	}

	from := userID
	h.hub.DeliverToUser(r.Context(), req.UserID, gateway.ServerMessage{
		Type: gateway.EvtFriendRequestReceived, UserID: &from,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleAcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	requester, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.db.AcceptFriendRequest(r.Context(), requester, userID); err != nil {
		writeError(w, err)
		return
	}

	accepter := userID
	h.hub.DeliverToUser(r.Context(), requester, gateway.ServerMessage{
		Type: gateway.EvtFriendRequestAccepted, UserID: &accepter,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	other, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.db.RemoveFriend(r.Context(), userID, other); err != nil {
		writeError(w, err)
		return
	}

	remover := userID
	h.hub.DeliverToUser(r.Context(), other, gateway.ServerMessage{
		Type: gateway.EvtFriendRemoved, UserID: &remover,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleCreateEmoji(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.ManageEmojis); err != nil {
		writeError(w, err)
		return
	}
	if err := h.limiter.Allow(r.Context(), ratelimit.BucketEmojiUpload, userID.String(),
		ratelimit.EmojiUploadLimit, ratelimit.EmojiUploadWindow); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Name  string `json:"name"`
		Image string `json:"image"` // base64
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, herr.New(herr.Validation, "name is required"))
		return
	}
	image, err := b64(req.Image)
	if err != nil || len(image) == 0 {
		writeError(w, herr.New(herr.Validation, "image must be non-empty base64"))
		return
	}

	emojiID := uuid.New()
	key := storage.ObfuscatedKey(h.storKey, emojiID)
	if err := h.storage.Store(r.Context(), key, image); err != nil {
		writeError(w, err)
		return
	}

	emoji := &models.CustomEmoji{ID: emojiID, ServerID: serverID, Name: req.Name, StorageKey: key, CreatedBy: userID}
	if err := h.db.CreateEmoji(r.Context(), emoji); err != nil {
		h.storage.Delete(r.Context(), key)
		writeError(w, err)
		return
	}

	// members learn about the new emoji through the server's system channel
	srv, err := h.db.GetServer(r.Context(), serverID)
	if err == nil && srv.SystemChannelID != nil {
		eid := emojiID
		h.hub.BroadcastToChannel(r.Context(), *srv.SystemChannelID, gateway.ServerMessage{
			Type: gateway.EvtEmojiCreated, MessageID: &eid, DisplayName: req.Name,
		})
	}
	writeJSON(w, http.StatusOK, emoji)
}

func (h *Handlers) handleDeleteEmoji(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	emojiID, err := pathUUID(r, "emoji_id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.ManageEmojis); err != nil {
		writeError(w, err)
		return
	}
	if err := h.db.DeleteEmoji(r.Context(), emojiID); err != nil {
		writeError(w, err)
		return
	}

	srv, err := h.db.GetServer(r.Context(), serverID)
	if err == nil && srv.SystemChannelID != nil {
		eid := emojiID
		h.hub.BroadcastToChannel(r.Context(), *srv.SystemChannelID, gateway.ServerMessage{
			Type: gateway.EvtEmojiDeleted, MessageID: &eid,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID    *uuid.UUID `json:"message_id,omitempty"`
		TargetUserID *uuid.UUID `json:"target_user_id,omitempty"`
		Reason       string     `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reason == "" || (req.MessageID == nil && req.TargetUserID == nil) {
		writeError(w, herr.New(herr.Validation, "reason and a target are required"))
		return
	}

	report := &models.Report{
		ID: uuid.New(), ReporterID: UserID(r), MessageID: req.MessageID,
		TargetUserID: req.TargetUserID, Reason: req.Reason, Status: models.ReportOpen,
	}
	if err := h.db.CreateReport(r.Context(), report); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
