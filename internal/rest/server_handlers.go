package rest

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
	"github.com/markjsapp/Haven-sub000/internal/permissions"
)

func (h *Handlers) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedMeta string  `json:"encrypted_meta"`
		IconURL       *string `json:"icon_url,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	meta, err := b64(req.EncryptedMeta)
	if err != nil {
		writeError(w, herr.New(herr.Validation, "encrypted_meta must be base64"))
		return
	}

	userID := UserID(r)
	srv := &models.Server{ID: uuid.New(), EncryptedMeta: meta, OwnerUserID: userID, IconURL: req.IconURL}
	if err := h.db.CreateServer(r.Context(), srv); err != nil {
		writeError(w, err)
		return
	}
	if err := h.db.AddServerMember(r.Context(), srv.ID, userID); err != nil {
		writeError(w, err)
		return
	}
	// every server starts with its @everyone role at the baseline bitfield
	if err := h.db.CreateRole(r.Context(), &models.Role{
		ID: uuid.New(), ServerID: srv.ID, Name: "@everyone",
		Permissions: permissions.DefaultEveryone, Position: 0, IsDefault: true,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handlers) handleGetServer(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	member, err := h.db.IsServerMember(r.Context(), serverID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !member {
		writeError(w, herr.New(herr.Forbidden, "not a member of this server"))
		return
	}
	srv, err := h.db.GetServer(r.Context(), serverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (h *Handlers) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.ManageChannels); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		EncryptedMeta string     `json:"encrypted_meta"`
		Type          string     `json:"type"`
		Position      int        `json:"position"`
		CategoryID    *uuid.UUID `json:"category_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type != string(models.ChannelText) && req.Type != string(models.ChannelVoice) {
		writeError(w, herr.New(herr.Validation, "type must be text or voice"))
		return
	}
	meta, err := b64(req.EncryptedMeta)
	if err != nil {
		writeError(w, herr.New(herr.Validation, "encrypted_meta must be base64"))
		return
	}

	ch := &models.Channel{
		ID: uuid.New(), ServerID: &serverID, EncryptedMeta: meta,
		Type: models.ChannelType(req.Type), Position: req.Position, CategoryID: req.CategoryID,
	}
	if err := h.db.CreateChannel(r.Context(), ch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handlers) requireServerPermission(r *http.Request, serverID, userID uuid.UUID, required int64) error {
	perms, err := h.resolver.ServerPerms(r.Context(), serverID, userID)
	if err != nil {
		return err
	}
	if !permissions.HasPermission(perms, required) {
		return herr.New(herr.Forbidden, "missing required permission")
	}
	return nil
}

// requireRoleHierarchy enforces that a non-owner only touches roles strictly
// below their own highest role.
func (h *Handlers) requireRoleHierarchy(r *http.Request, serverID, userID uuid.UUID, targetPosition int) error {
	isOwner, err := h.db.IsServerOwner(r.Context(), serverID, userID)
	if err != nil {
		return err
	}
	if isOwner {
		return nil
	}
	highest, err := h.db.HighestRolePosition(r.Context(), serverID, userID)
	if err != nil {
		return err
	}
	if !permissions.CanModifyRole(highest, targetPosition) {
		return herr.New(herr.Forbidden, "role is at or above your highest role")
	}
	return nil
}

type roleRequest struct {
	Name        string `json:"name"`
	Color       int32  `json:"color"`
	Permissions int64  `json:"permissions"`
	Position    int    `json:"position"`
}

func (h *Handlers) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.ManageRoles); err != nil {
		writeError(w, err)
		return
	}

	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireRoleHierarchy(r, serverID, userID, req.Position); err != nil {
		writeError(w, err)
		return
	}

	role := &models.Role{
		ID: uuid.New(), ServerID: serverID, Name: req.Name, Color: req.Color,
		Permissions: req.Permissions, Position: req.Position,
	}
	if err := h.db.CreateRole(r.Context(), role); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateServer(r.Context(), serverID)
	writeJSON(w, http.StatusOK, role)
}

func (h *Handlers) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	roleID, err := pathUUID(r, "role_id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.ManageRoles); err != nil {
		writeError(w, err)
		return
	}

	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireRoleHierarchy(r, serverID, userID, req.Position); err != nil {
		writeError(w, err)
		return
	}

	role := &models.Role{
		ID: roleID, ServerID: serverID, Name: req.Name, Color: req.Color,
		Permissions: req.Permissions, Position: req.Position,
	}
	if err := h.db.UpdateRole(r.Context(), role); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateServer(r.Context(), serverID)
	writeJSON(w, http.StatusOK, role)
}

func (h *Handlers) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	roleID, err := pathUUID(r, "role_id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.ManageRoles); err != nil {
		writeError(w, err)
		return
	}
	if err := h.db.DeleteRole(r.Context(), roleID); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateServer(r.Context(), serverID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	h.mutateMemberRole(w, r, true)
}

func (h *Handlers) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	h.mutateMemberRole(w, r, false)
}

func (h *Handlers) mutateMemberRole(w http.ResponseWriter, r *http.Request, assign bool) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	targetUser, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	roleID, err := pathUUID(r, "role_id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.ManageRoles); err != nil {
		writeError(w, err)
		return
	}

	if assign {
		err = h.db.AssignRole(r.Context(), serverID, targetUser, roleID)
	} else {
		err = h.db.UnassignRole(r.Context(), serverID, targetUser, roleID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateMember(r.Context(), serverID, targetUser)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleUpsertOverwrite(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathUUID(r, "id")
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
		writeError(w, herr.New(herr.Validation, "overwrites apply to server channels only"))
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, *channel.ServerID, userID, permissions.ManageRoles); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		TargetType string    `json:"target_type"`
		TargetID   uuid.UUID `json:"target_id"`
		Allow      int64     `json:"allow"`
		Deny       int64     `json:"deny"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TargetType != string(models.TargetRole) && req.TargetType != string(models.TargetMember) {
		writeError(w, herr.New(herr.Validation, "target_type must be role or member"))
		return
	}

	if err := h.db.UpsertOverwrite(r.Context(), &models.ChannelPermissionOverwrite{
		ChannelID: channelID, TargetType: models.OverwriteTargetType(req.TargetType),
		TargetID: req.TargetID, Allow: req.Allow, Deny: req.Deny,
	}); err != nil {
		writeError(w, err)
		return
	}
	h.resolver.InvalidateServer(r.Context(), *channel.ServerID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleGetMessages(w http.ResponseWriter, r *http.Request) {
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

	before := time.Now()
	if s := r.URL.Query().Get("before"); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			before = t
		}
	}
	msgs, err := h.db.GetMessages(r.Context(), channelID, before, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *Handlers) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.CreateInvites); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		MaxUses     *int `json:"max_uses,omitempty"`
		ExpiresSecs *int `json:"expires_secs,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	inv := &models.Invite{
		Code:      strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		ServerID:  serverID,
		CreatedBy: userID,
		MaxUses:   req.MaxUses,
		Active:    true,
	}
	if req.ExpiresSecs != nil {
		t := time.Now().Add(time.Duration(*req.ExpiresSecs) * time.Second)
		inv.ExpiresAt = &t
	}
	if err := h.db.CreateInvite(r.Context(), inv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handlers) handleJoinViaInvite(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	userID := UserID(r)
	serverID, err := h.db.JoinViaInvite(r.Context(), code, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"server_id": serverID})
}

func (h *Handlers) handleBanMember(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	targetUser, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	if err := h.requireServerPermission(r, serverID, userID, permissions.BanMembers); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Reason *string `json:"reason,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.db.CreateBan(r.Context(), &models.Ban{
		ServerID: serverID, UserID: targetUser, Reason: req.Reason, BannedBy: userID,
	}); err != nil {
		writeError(w, err)
		return
	}

	target := targetUser
	if auditErr := h.db.WriteAuditLog(r.Context(), &models.AuditLog{
		ID: uuid.New(), ServerID: &serverID, ActorID: userID, Action: "member.ban", TargetID: &target,
	}); auditErr != nil {
		log.Printf("[HTTP] audit log write failed: %v", auditErr)
	}
	w.WriteHeader(http.StatusNoContent)
}
