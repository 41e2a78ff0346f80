package rest

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/markjsapp/Haven-sub000/internal/crypto"
	"github.com/markjsapp/Haven-sub000/internal/gateway"
	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
)

const (
	prekeyWarnWatermark      = 10
	prekeyReplenishWatermark = 20
)

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, herr.New(herr.Validation, "malformed id")
	}
	return id, nil
}

// handleGetBundle returns the target's prekey bundle, claiming at most one
// one-time prekey atomically. The low-watermark warning is emitted off the
// request path so it never delays the response.
func (h *Handlers) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	targetID, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	requester := UserID(r)
	if err := h.limiter.CheckBundleFetch(r.Context(), requester.String(), targetID.String(), clientIP(r)); err != nil {
		writeError(w, err)
		return
	}

	wantHybrid := r.URL.Query().Get("accepts_hybrid") == "true"
	bundle, err := h.db.GetBundle(r.Context(), targetID, wantHybrid)
	if err != nil {
		writeError(w, err)
		return
	}

	go func() {
		count, err := h.db.UnusedPreKeyCount(context.Background(), targetID)
		if err == nil && count < prekeyWarnWatermark {
			log.Printf("[KEYS] user %s has only %d unused one-time prekeys", targetID, count)
		}
	}()

	resp := map[string]interface{}{
		"identity_key":            base64.StdEncoding.EncodeToString(bundle.IdentityKey),
		"signed_prekey":           base64.StdEncoding.EncodeToString(bundle.SignedPreKey),
		"signed_prekey_signature": base64.StdEncoding.EncodeToString(bundle.SignedPreKeySig),
		"one_time_prekey":         nil,
	}
	if bundle.OneTimePreKey != nil {
		resp["one_time_prekey"] = base64.StdEncoding.EncodeToString(bundle.OneTimePreKey)
		resp["one_time_prekey_id"] = bundle.OneTimePreKeyID
	}
	if len(bundle.HybridKyberPublic) > 0 {
		resp["kyber_prekey"] = base64.StdEncoding.EncodeToString(bundle.HybridKyberPublic)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleUploadPreKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PreKeys      []string `json:"prekeys"`
		KyberPreKeys []string `json:"kyber_prekeys,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	keys := make([][]byte, 0, len(req.PreKeys))
	for _, s := range req.PreKeys {
		b, err := b64(s)
		if err != nil || !crypto.IsValidPreKeySize(b) {
			writeError(w, herr.New(herr.Validation, "prekeys must be base64 32-byte keys"))
			return
		}
		keys = append(keys, b)
	}
	var kyberKeys [][]byte
	for _, s := range req.KyberPreKeys {
		b, err := b64(s)
		if err != nil || !crypto.IsValidKyberPublicKeySize(b) {
			writeError(w, herr.New(herr.Validation, "kyber prekeys must be base64 kyber768 public keys"))
			return
		}
		kyberKeys = append(kyberKeys, b)
	}

	if err := h.db.UploadOneTimePreKeys(r.Context(), UserID(r), keys, kyberKeys); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handlePreKeyCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.db.UnusedPreKeyCount(r.Context(), UserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":               count,
		"needs_replenishment": count < prekeyReplenishWatermark,
	})
}

func (h *Handlers) handleRotateIdentityKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdentityKey     string `json:"identity_key"`
		SignedPreKey    string `json:"signed_prekey"`
		SignedPreKeySig string `json:"signed_prekey_signature"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	identityKey, err1 := b64(req.IdentityKey)
	spk, err2 := b64(req.SignedPreKey)
	sig, err3 := b64(req.SignedPreKeySig)
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, herr.New(herr.Validation, "keys must be base64"))
		return
	}
	if err := crypto.ValidateBundleInputs(identityKey, spk, sig); err != nil {
		writeError(w, herr.Wrap(herr.Validation, "invalid key bundle", err))
		return
	}
	// stale sender keys addressed to the old identity are dropped in the
	// same transaction that installs the new one
	if err := h.db.RotateIdentityKey(r.Context(), UserID(r), identityKey, spk, sig); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handlePutKeyBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ciphertext string `json:"ciphertext"`
		Nonce      string `json:"nonce"`
		Salt       string `json:"salt"`
		Version    int    `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ciphertext, err1 := b64(req.Ciphertext)
	nonce, err2 := b64(req.Nonce)
	salt, err3 := b64(req.Salt)
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, herr.New(herr.Validation, "backup fields must be base64"))
		return
	}
	if len(nonce) != 24 || len(salt) != 16 {
		writeError(w, herr.New(herr.Validation, "nonce must be 24 bytes and salt 16 bytes"))
		return
	}
	if err := h.db.PutKeyBackup(r.Context(), &models.KeyBackup{
		UserID: UserID(r), Ciphertext: ciphertext, Nonce: nonce, Salt: salt, Version: req.Version,
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleGetKeyBackup(w http.ResponseWriter, r *http.Request) {
	kb, err := h.db.GetKeyBackup(r.Context(), UserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// handlePostSenderKeys upserts a batch of sender-key distribution messages
// and notifies every affected recipient.
func (h *Handlers) handlePostSenderKeys(w http.ResponseWriter, r *http.Request) {
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

	var req struct {
		Distributions []struct {
			ToUser         uuid.UUID `json:"to_user"`
			DistributionID string    `json:"distribution_id"`
			EncryptedSKDM  string    `json:"encrypted_skdm"`
		} `json:"distributions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Distributions) == 0 {
		writeError(w, herr.New(herr.Validation, "distributions must be non-empty"))
		return
	}

	recipients := make(map[uuid.UUID]bool)
	for _, d := range req.Distributions {
		payload, err := b64(d.EncryptedSKDM)
		if err != nil {
			writeError(w, herr.New(herr.Validation, "encrypted_skdm must be base64"))
			return
		}
		if err := h.db.UpsertSenderKeyDistribution(r.Context(), &models.SenderKeyDistribution{
			ChannelID:      channelID,
			FromUserID:     userID,
			ToUserID:       d.ToUser,
			DistributionID: d.DistributionID,
			EncryptedSKDM:  payload,
		}); err != nil {
			writeError(w, err)
			return
		}
		recipients[d.ToUser] = true
	}

	ch := channelID
	for recipient := range recipients {
		h.hub.DeliverToUser(r.Context(), recipient, gateway.ServerMessage{
			Type: gateway.EvtSenderKeysUpdated, Channel: &ch,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleGetSenderKeys(w http.ResponseWriter, r *http.Request) {
	channelID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	skdms, err := h.db.PendingSKDMs(r.Context(), channelID, UserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sender_keys": skdms})
}

func (h *Handlers) handleChannelMemberKeys(w http.ResponseWriter, r *http.Request) {
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

	memberIDs, err := h.db.ChannelMemberUserIDs(r.Context(), channelID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	members := make([]map[string]interface{}, 0, len(memberIDs))
	for _, id := range memberIDs {
		u, err := h.db.GetUserByID(r.Context(), id)
		if err != nil {
			continue
		}
		members = append(members, map[string]interface{}{
			"user_id":      u.ID,
			"identity_key": base64.StdEncoding.EncodeToString(u.IdentityKey),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": members})
}

func (h *Handlers) requireChannelAccess(r *http.Request, channelID, userID uuid.UUID) error {
	ok, err := h.db.CanAccessChannel(r.Context(), channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return herr.New(herr.Forbidden, "no access to this channel")
	}
	return nil
}
