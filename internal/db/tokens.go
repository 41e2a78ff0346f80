package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

// StoreRefreshToken persists the hash of a freshly issued refresh token.
func (d *DB) StoreRefreshToken(ctx context.Context, userID, familyID uuid.UUID, secretHash []byte, deviceName, maskedIP string, expiresAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, secret_hash, family_id, device_name, masked_ip, revoked, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7, NOW())
	`, id, userID, secretHash, familyID, deviceName, maskedIP, expiresAt)
	if err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "store refresh token", err)
	}
	return id, nil
}

type RefreshTokenRow struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	FamilyID   uuid.UUID
	SecretHash []byte
	Revoked    bool
	Expired    bool
}

// FindRefreshTokenByHash looks up a token by its secret hash regardless of
// revoked state, so the caller can distinguish "valid" from "reuse of a
// revoked token" (theft detection) from "not found at all".
func (d *DB) FindRefreshTokenByHash(ctx context.Context, secretHash []byte) (*RefreshTokenRow, error) {
	var r RefreshTokenRow
	err := d.Write().QueryRowContext(ctx, `
		SELECT id, user_id, family_id, secret_hash, revoked, (expires_at < NOW())
		FROM refresh_tokens WHERE secret_hash = $1
	`, secretHash).Scan(&r.ID, &r.UserID, &r.FamilyID, &r.SecretHash, &r.Revoked, &r.Expired)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.InvalidToken, "unknown refresh token")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "find refresh token", err)
	}
	return &r, nil
}

// RotateRefreshToken revokes the presented token and inserts its successor
// in the same family, atomically.
func (d *DB) RotateRefreshToken(ctx context.Context, presentedID, userID, familyID uuid.UUID, newSecretHash []byte, deviceName, maskedIP string, expiresAt time.Time) (uuid.UUID, error) {
	tx, err := d.Begin(ctx)
	if err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "begin rotate refresh token", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE id = $1`, presentedID); err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "revoke presented token", err)
	}

	newID := uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, secret_hash, family_id, device_name, masked_ip, revoked, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7, NOW())
	`, newID, userID, newSecretHash, familyID, deviceName, maskedIP, expiresAt); err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "insert rotated token", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "commit rotate refresh token", err)
	}
	return newID, nil
}

// RevokeFamily revokes every token in a family — called on reuse-detected
// theft.
func (d *DB) RevokeFamily(ctx context.Context, familyID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE family_id = $1`, familyID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "revoke family", err)
	}
	return nil
}

// RevokeAllUserTokens revokes every refresh token for a user — called on
// theft detection and on password change.
func (d *DB) RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE user_id = $1`, userID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "revoke all user tokens", err)
	}
	return nil
}

// PurgeExpiredRefreshTokens deletes expired rows; run from a background task
// every 5 minutes per the concurrency model.
func (d *DB) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	res, err := d.Write().ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, herr.Wrap(herr.PersistenceFailure, "purge expired refresh tokens", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
