package rest

import (
	"encoding/base64"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
	"github.com/markjsapp/Haven-sub000/internal/storage"
)

func bucketFor(size int64) models.SizeBucket {
	switch {
	case size <= 1<<20:
		return models.Size1MB
	case size <= 5<<20:
		return models.Size5MB
	case size <= 25<<20:
		return models.Size25MB
	default:
		return models.Size100MB
	}
}

// handleUploadAttachment stores the raw body under an HMAC-derived path and
// returns the attachment id for a later SendMessage to link.
func (h *Handlers) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSizeBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, herr.New(herr.Validation, "upload exceeds the size limit"))
		return
	}
	if len(body) == 0 {
		writeError(w, herr.New(herr.Validation, "empty upload"))
		return
	}

	attachmentID := uuid.New()
	key := storage.ObfuscatedKey(h.storKey, attachmentID)

	if h.cfg.CDNEnabled {
		// client-side E2EE plus a CDN in front: skip the server envelope
		err = h.storage.StoreRaw(r.Context(), key, body)
	} else {
		err = h.storage.Store(r.Context(), key, body)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	var meta []byte
	if m := r.Header.Get("X-Encrypted-Meta"); m != "" {
		if meta, err = base64.StdEncoding.DecodeString(m); err != nil {
			writeError(w, herr.New(herr.Validation, "encrypted meta must be base64"))
			return
		}
	}

	att := &models.Attachment{
		ID:            attachmentID,
		UploaderID:    UserID(r),
		StorageKey:    key,
		EncryptedMeta: meta,
		SizeBucket:    bucketFor(int64(len(body))),
	}
	if err := h.db.CreateAttachment(r.Context(), att); err != nil {
		// don't leave an orphaned blob behind
		h.storage.Delete(r.Context(), key)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attachment_id": attachmentID,
		"storage_key":   key,
	})
}

// authorizeAttachment allows the uploader always, and channel members once
// the attachment is linked to a message.
func (h *Handlers) authorizeAttachment(r *http.Request, att *models.Attachment, userID uuid.UUID) error {
	if att.UploaderID == userID {
		return nil
	}
	if att.MessageID == nil {
		return herr.New(herr.Forbidden, "attachment is not linked to a message")
	}
	m, err := h.db.GetMessage(r.Context(), *att.MessageID)
	if err != nil {
		return herr.New(herr.Forbidden, "no access to this attachment")
	}
	return h.requireChannelAccess(r, m.ChannelID, userID)
}

func (h *Handlers) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	att, err := h.db.GetAttachment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizeAttachment(r, att, UserID(r)); err != nil {
		writeError(w, err)
		return
	}

	var blob []byte
	if h.cfg.CDNEnabled {
		blob, err = h.storage.LoadRaw(r.Context(), att.StorageKey)
	} else {
		blob, err = h.storage.Load(r.Context(), att.StorageKey)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

func (h *Handlers) handlePresignAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	att, err := h.db.GetAttachment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.authorizeAttachment(r, att, UserID(r)); err != nil {
		writeError(w, err)
		return
	}

	ttl := time.Duration(h.cfg.CDNPresignExpirySecs) * time.Second
	cdnPrefix := ""
	if h.cfg.CDNEnabled {
		cdnPrefix = h.cfg.CDNBaseURL
	}
	url, ok := h.storage.PresignURL(r.Context(), att.StorageKey, ttl, cdnPrefix)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"url": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"url": url})
}
