// Package rest is the thin HTTP surface: every handler validates input,
// enforces the same authorization rules the gateway uses, calls the
// persistence layer, and emits gateway events through the hub. Routing and
// middleware follow the monolith router layout of the rest of the server.
package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/markjsapp/Haven-sub000/internal/auth"
	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/config"
	"github.com/markjsapp/Haven-sub000/internal/db"
	"github.com/markjsapp/Haven-sub000/internal/gateway"
	"github.com/markjsapp/Haven-sub000/internal/permissions"
	"github.com/markjsapp/Haven-sub000/internal/ratelimit"
	"github.com/markjsapp/Haven-sub000/internal/storage"
	"github.com/markjsapp/Haven-sub000/internal/voice"
)

type Handlers struct {
	cfg      *config.Config
	db       *db.DB
	cache    *cache.Cache
	presence *cache.Presence
	voiceRms *cache.VoiceRooms
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	storage  storage.Backend
	storKey  []byte
	hub      *gateway.Hub
	resolver *permissions.Resolver
	voice    *voice.Service
}

func NewHandlers(cfg *config.Config, store *db.DB, c *cache.Cache, presence *cache.Presence,
	voiceRms *cache.VoiceRooms, authSvc *auth.Service, limiter *ratelimit.Limiter,
	backend storage.Backend, storageKey []byte, hub *gateway.Hub,
	resolver *permissions.Resolver, voiceSvc *voice.Service) *Handlers {
	return &Handlers{
		cfg:      cfg,
		db:       store,
		cache:    c,
		presence: presence,
		voiceRms: voiceRms,
		auth:     authSvc,
		limiter:  limiter,
		storage:  backend,
		storKey:  storageKey,
		hub:      hub,
		resolver: resolver,
		voice:    voiceSvc,
	}
}

func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.corsMiddleware)
	r.Use(h.rateLimitMiddleware)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.HandleFunc("/health", h.handleHealth).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// auth
	api.HandleFunc("/auth/challenge", h.handleChallenge).Methods("GET")
	api.HandleFunc("/auth/register", h.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", h.handleLogin).Methods("POST")
	api.HandleFunc("/auth/refresh", h.handleRefresh).Methods("POST")
	api.HandleFunc("/auth/logout", h.authMiddleware(h.handleLogout)).Methods("POST")
	api.HandleFunc("/auth/password", h.authMiddleware(h.handleChangePassword)).Methods("PUT")
	api.HandleFunc("/auth/totp/setup", h.authMiddleware(h.handleTOTPSetup)).Methods("POST")
	api.HandleFunc("/auth/totp/verify", h.authMiddleware(h.handleTOTPVerify)).Methods("POST")
	api.HandleFunc("/auth/registration-invites", h.authMiddleware(h.handleCreateRegistrationInvite)).Methods("POST")

	// users
	api.HandleFunc("/users/me", h.authMiddleware(h.handleGetMe)).Methods("GET")
	api.HandleFunc("/users/me", h.authMiddleware(h.handleUpdateProfile)).Methods("PUT")
	api.HandleFunc("/users/me", h.authMiddleware(h.handleDeleteMe)).Methods("DELETE")
	api.HandleFunc("/users/{id}", h.authMiddleware(h.handleGetUser)).Methods("GET")
	api.HandleFunc("/users/{id}/presence", h.authMiddleware(h.handleGetPresence)).Methods("GET")

	// key distribution
	api.HandleFunc("/keys/bundle/{user_id}", h.authMiddleware(h.handleGetBundle)).Methods("GET")
	api.HandleFunc("/keys/prekeys", h.authMiddleware(h.handleUploadPreKeys)).Methods("POST")
	api.HandleFunc("/keys/prekeys/count", h.authMiddleware(h.handlePreKeyCount)).Methods("GET")
	api.HandleFunc("/keys/identity", h.authMiddleware(h.handleRotateIdentityKey)).Methods("PUT")
	api.HandleFunc("/keys/backup", h.authMiddleware(h.handlePutKeyBackup)).Methods("PUT")
	api.HandleFunc("/keys/backup", h.authMiddleware(h.handleGetKeyBackup)).Methods("GET")

	// sender keys
	api.HandleFunc("/channels/{id}/sender-keys", h.authMiddleware(h.handlePostSenderKeys)).Methods("POST")
	api.HandleFunc("/channels/{id}/sender-keys", h.authMiddleware(h.handleGetSenderKeys)).Methods("GET")
	api.HandleFunc("/channels/{id}/members/keys", h.authMiddleware(h.handleChannelMemberKeys)).Methods("GET")

	// websocket gateway
	api.HandleFunc("/ws", h.hub.ServeWS).Methods("GET")

	// attachments
	api.HandleFunc("/attachments/upload", h.authMiddleware(h.handleUploadAttachment)).Methods("POST")
	api.HandleFunc("/attachments/{id}", h.authMiddleware(h.handleDownloadAttachment)).Methods("GET")
	api.HandleFunc("/attachments/{id}/url", h.authMiddleware(h.handlePresignAttachment)).Methods("GET")

	// servers, channels, roles
	api.HandleFunc("/servers", h.authMiddleware(h.handleCreateServer)).Methods("POST")
	api.HandleFunc("/servers/{id}", h.authMiddleware(h.handleGetServer)).Methods("GET")
	api.HandleFunc("/servers/{id}/channels", h.authMiddleware(h.handleCreateChannel)).Methods("POST")
	api.HandleFunc("/servers/{id}/roles", h.authMiddleware(h.handleCreateRole)).Methods("POST")
	api.HandleFunc("/servers/{id}/roles/{role_id}", h.authMiddleware(h.handleUpdateRole)).Methods("PUT")
	api.HandleFunc("/servers/{id}/roles/{role_id}", h.authMiddleware(h.handleDeleteRole)).Methods("DELETE")
	api.HandleFunc("/servers/{id}/members/{user_id}/roles/{role_id}", h.authMiddleware(h.handleAssignRole)).Methods("PUT")
	api.HandleFunc("/servers/{id}/members/{user_id}/roles/{role_id}", h.authMiddleware(h.handleUnassignRole)).Methods("DELETE")
	api.HandleFunc("/servers/{id}/bans/{user_id}", h.authMiddleware(h.handleBanMember)).Methods("PUT")
	api.HandleFunc("/channels/{id}/overwrites", h.authMiddleware(h.handleUpsertOverwrite)).Methods("PUT")
	api.HandleFunc("/channels/{id}/messages", h.authMiddleware(h.handleGetMessages)).Methods("GET")

	// invites
	api.HandleFunc("/servers/{id}/invites", h.authMiddleware(h.handleCreateInvite)).Methods("POST")
	api.HandleFunc("/invites/{code}/join", h.authMiddleware(h.handleJoinViaInvite)).Methods("POST")

	// dms and friends
	api.HandleFunc("/dms", h.authMiddleware(h.handleOpenDM)).Methods("POST")
	api.HandleFunc("/groups", h.authMiddleware(h.handleCreateGroup)).Methods("POST")
	api.HandleFunc("/friends/requests", h.authMiddleware(h.handleSendFriendRequest)).Methods("POST")
	api.HandleFunc("/friends/requests/{user_id}/accept", h.authMiddleware(h.handleAcceptFriendRequest)).Methods("POST")
	api.HandleFunc("/friends/{user_id}", h.authMiddleware(h.handleRemoveFriend)).Methods("DELETE")

	// emojis and reports
	api.HandleFunc("/servers/{id}/emojis", h.authMiddleware(h.handleCreateEmoji)).Methods("POST")
	api.HandleFunc("/servers/{id}/emojis/{emoji_id}", h.authMiddleware(h.handleDeleteEmoji)).Methods("DELETE")
	api.HandleFunc("/reports", h.authMiddleware(h.handleCreateReport)).Methods("POST")

	// voice
	api.HandleFunc("/channels/{id}/voice/join", h.authMiddleware(h.handleVoiceJoin)).Methods("POST")
	api.HandleFunc("/channels/{id}/voice/leave", h.authMiddleware(h.handleVoiceLeave)).Methods("POST")
	api.HandleFunc("/channels/{id}/voice/mute/{user_id}", h.authMiddleware(h.handleVoiceMute)).Methods("PUT")

	// pass-throughs
	api.HandleFunc("/link-preview", h.authMiddleware(h.handleLinkPreview)).Methods("GET")
	api.HandleFunc("/gifs/search", h.authMiddleware(h.handleGifSearch)).Methods("GET")

	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Health(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
