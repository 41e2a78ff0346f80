package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/markjsapp/Haven-sub000/internal/db"
	"github.com/markjsapp/Haven-sub000/internal/herr"
)

// SetupTOTP generates a new SHA-1/6-digit/30s-step secret and stores it as
// pending — never active — until the caller proves possession via
// VerifyAndPromoteTOTP. Promotion-on-proof prevents lockout when setup is
// abandoned before the QR code is scanned.
func SetupTOTP(ctx context.Context, store *db.DB, userID uuid.UUID, accountName, issuer string) (secret, otpauthURL string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Algorithm:   otp.AlgorithmSHA1,
		Digits:      otp.DigitsSix,
		Period:      30,
	})
	if err != nil {
		return "", "", err
	}

	if err := store.SetTOTPPending(ctx, userID, key.Secret()); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// VerifyAndPromoteTOTP validates code against the pending secret and, only
// on success, promotes it to active.
func VerifyAndPromoteTOTP(ctx context.Context, store *db.DB, userID uuid.UUID, pendingSecret, code string) error {
	if !totp.Validate(code, pendingSecret) {
		return herr.New(herr.Validation, "invalid TOTP code")
	}
	return store.PromoteTOTP(ctx, userID)
}

// VerifyTOTP checks a code against an already-active secret, used at login.
func VerifyTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}
