package rest

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/auth"
	"github.com/markjsapp/Haven-sub000/internal/herr"
)

func (h *Handlers) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, difficulty, err := h.auth.IssueChallenge(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge":  challenge,
		"difficulty": difficulty,
		"ttl_secs":   300,
	})
}

type registerRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	IdentityKey     string `json:"identity_key"`
	SignedPreKey    string `json:"signed_prekey"`
	SignedPreKeySig string `json:"signed_prekey_signature"`
	PoWChallenge    string `json:"pow_challenge"`
	PoWNonce        string `json:"pow_nonce"`
	InviteCode      string `json:"invite_code,omitempty"`
	CaptchaToken    string `json:"captcha_token,omitempty"`
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, herr.New(herr.Validation, "username and password are required"))
		return
	}

	if h.cfg.CaptchaSecretKey != "" {
		if err := h.verifyCaptcha(r, req.CaptchaToken); err != nil {
			writeError(w, err)
			return
		}
	}

	if h.cfg.RegistrationInviteOnly && req.InviteCode == "" {
		writeError(w, herr.New(herr.Validation, "registration is invite-only"))
		return
	}

	identityKey, err1 := b64(req.IdentityKey)
	spk, err2 := b64(req.SignedPreKey)
	sig, err3 := b64(req.SignedPreKeySig)
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, herr.New(herr.Validation, "keys must be base64"))
		return
	}

	user, tokens, err := h.auth.Register(r.Context(), auth.RegisterRequest{
		Username:        req.Username,
		Password:        req.Password,
		IdentityKey:     identityKey,
		SignedPreKey:    spk,
		SignedPreKeySig: sig,
		PoWChallenge:    req.PoWChallenge,
		PoWNonce:        req.PoWNonce,
		DeviceName:      auth.ParseDeviceName(r.UserAgent()),
		ClientIP:        clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if h.cfg.RegistrationInviteOnly {
		if err := h.db.ConsumeRegistrationInvite(r.Context(), req.InviteCode, user.ID); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":          user,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
	})
}

func b64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, tokens, err := h.auth.Login(r.Context(), req.Username, req.Password, req.TOTPCode, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":          user,
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
	})
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tokens, err := h.auth.Refresh(r.Context(), req.RefreshToken, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
	})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if err := h.auth.Logout(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	h.presence.Clear(r.Context(), userID)
	h.voiceRms.LeaveAll(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID := UserID(r)
	user, err := h.db.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !auth.VerifyPassword(user.PasswordHash, req.CurrentPassword) {
		writeError(w, herr.New(herr.AuthFailure, "current password is incorrect"))
		return
	}
	if err := h.auth.ChangePassword(r.Context(), userID, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	user, err := h.db.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	secret, otpauthURL, err := h.auth.SetupTOTP(r.Context(), userID, user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret, "otpauth_url": otpauthURL})
}

func (h *Handlers) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.VerifyAndPromoteTOTP(r.Context(), UserID(r), req.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleCreateRegistrationInvite(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	count, err := h.db.CountRegistrationInvitesCreated(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if count >= h.cfg.RegistrationInvitesPerUser {
		writeError(w, herr.New(herr.Validation, "registration invite limit reached"))
		return
	}
	code := strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := h.db.CreateRegistrationInvite(r.Context(), code, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// verifyCaptcha forwards the token to the configured external verifier.
func (h *Handlers) verifyCaptcha(r *http.Request, token string) error {
	if token == "" {
		return herr.New(herr.Validation, "captcha token required")
	}
	resp, err := http.PostForm("https://hcaptcha.com/siteverify", url.Values{
		"secret":   {h.cfg.CaptchaSecretKey},
		"response": {token},
	})
	if err != nil {
		return herr.Wrap(herr.Validation, "captcha verification unavailable", err)
	}
	defer resp.Body.Close()
	var body struct {
		Success bool `json:"success"`
	}
	if err := decodeBody(resp, &body); err != nil || !body.Success {
		return herr.New(herr.Validation, "captcha verification failed")
	}
	return nil
}
