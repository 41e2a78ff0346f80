package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/db"
	"github.com/markjsapp/Haven-sub000/internal/herr"
)

const refreshSecretLen = 48

// RefreshSecret returns a fresh cryptographically random 48-byte secret,
// base64url-encoded for transport, and its SHA-256 hash for storage.
func RefreshSecret() (raw string, hash []byte, err error) {
	b := make([]byte, refreshSecretLen)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(b), sum[:], nil
}

func hashRefreshToken(raw string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, herr.Wrap(herr.InvalidToken, "malformed refresh token", err)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// IssueRefreshToken stores a brand new token in a brand new family — used at
// login and registration, never at rotation.
func IssueRefreshToken(ctx context.Context, store *db.DB, userID uuid.UUID, deviceName, maskedIP string, ttl time.Duration) (string, error) {
	raw, hash, err := RefreshSecret()
	if err != nil {
		return "", err
	}
	familyID := uuid.New()
	if _, err := store.StoreRefreshToken(ctx, userID, familyID, hash, deviceName, maskedIP, time.Now().Add(ttl)); err != nil {
		return "", err
	}
	return raw, nil
}

// RotateRefreshToken implements the theft-detection state machine:
// presenting an active token rotates it and returns a
// successor in the same family; presenting an already-revoked token means
// the credential has been replayed, so the entire family and every one of
// the user's tokens are revoked and the caller must re-login with full
// credentials.
func RotateRefreshToken(ctx context.Context, store *db.DB, presentedRaw, deviceName, maskedIP string, ttl time.Duration) (newRaw string, userID uuid.UUID, err error) {
	hash, err := hashRefreshToken(presentedRaw)
	if err != nil {
		return "", uuid.Nil, err
	}

	row, err := store.FindRefreshTokenByHash(ctx, hash)
	if err != nil {
		return "", uuid.Nil, err
	}
	if row.Expired {
		return "", uuid.Nil, herr.New(herr.TokenExpired, "refresh token expired")
	}
	if row.Revoked {
		if revokeErr := store.RevokeFamily(ctx, row.FamilyID); revokeErr != nil {
			return "", uuid.Nil, revokeErr
		}
		if revokeErr := store.RevokeAllUserTokens(ctx, row.UserID); revokeErr != nil {
			return "", uuid.Nil, revokeErr
		}
		return "", uuid.Nil, herr.New(herr.AuthFailure, "refresh token reuse detected, please log in again")
	}

	newSecret, newHash, err := RefreshSecret()
	if err != nil {
		return "", uuid.Nil, err
	}
	if _, err := store.RotateRefreshToken(ctx, row.ID, row.UserID, row.FamilyID, newHash, deviceName, maskedIP, time.Now().Add(ttl)); err != nil {
		return "", uuid.Nil, err
	}
	return newSecret, row.UserID, nil
}

// MaskIP keeps only enough of an address to be useful for "is this the same
// device" heuristics without storing the full IP: the first
// two octets of an IPv4 address ("a.b.x.x"), or only the first segment of
// an IPv6 address ("2001:***").
func MaskIP(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "unknown"
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.x.x", v4[0], v4[1])
	}
	segments := strings.SplitN(ip.String(), ":", 2)
	return segments[0] + ":***"
}

// ParseDeviceName turns a User-Agent string into "<Browser> on <OS>". It
// covers the handful of browser/OS tokens that matter for session display,
// not a full UA parse.
func ParseDeviceName(userAgent string) string {
	ua := strings.ToLower(userAgent)

	browser := "Unknown browser"
	switch {
	case strings.Contains(ua, "edg/"):
		browser = "Edge"
	case strings.Contains(ua, "firefox/"):
		browser = "Firefox"
	case strings.Contains(ua, "chrome/"):
		browser = "Chrome"
	case strings.Contains(ua, "safari/") && !strings.Contains(ua, "chrome"):
		browser = "Safari"
	}

	os := "Unknown OS"
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "mac os x") || strings.Contains(ua, "macintosh"):
		os = "macOS"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	}

	return fmt.Sprintf("%s on %s", browser, os)
}
