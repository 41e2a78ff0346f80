package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
)

// CreateUser inserts a new user with a case-insensitive unique username.
// Collisions are surfaced as herr.UsernameTaken rather than a generic
// error.
func (d *DB) CreateUser(ctx context.Context, u *models.User) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO users (id, username, display_name, email_hash, password_hash, dm_privacy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`, u.ID, u.Username, u.DisplayName, u.EmailHash, u.PasswordHash, u.DMPrivacy).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUsernameCollision(err) {
			return herr.New(herr.UsernameTaken, "username already taken")
		}
		return herr.Wrap(herr.PersistenceFailure, "create user", err)
	}
	return nil
}

func isUsernameCollision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "users_username_lower_idx") ||
		(err != nil && strings.Contains(err.Error(), "duplicate key") && strings.Contains(err.Error(), "username"))
}

func (d *DB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return d.scanUser(d.Read().QueryRowContext(ctx, `
		SELECT id, username, display_name, email_hash, password_hash, identity_key, signed_prekey,
		       signed_prekey_signature, totp_secret, pending_totp_secret, avatar_url, bio, dm_privacy,
		       is_instance_admin, created_at, updated_at
		FROM users WHERE id = $1 AND deleted_at IS NULL
	`, id))
}

func (d *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return d.scanUser(d.Read().QueryRowContext(ctx, `
		SELECT id, username, display_name, email_hash, password_hash, identity_key, signed_prekey,
		       signed_prekey_signature, totp_secret, pending_totp_secret, avatar_url, bio, dm_privacy,
		       is_instance_admin, created_at, updated_at
		FROM users WHERE LOWER(username) = LOWER($1) AND deleted_at IS NULL
	`, username))
}

func (d *DB) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.EmailHash, &u.PasswordHash, &u.IdentityKey,
		&u.SignedPreKey, &u.SignedPreKeySig, &u.TOTPSecret, &u.PendingTOTPSecret, &u.AvatarURL, &u.Bio,
		&u.DMPrivacy, &u.IsInstanceAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.NotFound, "user not found")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "scan user", err)
	}
	return &u, nil
}

// UpdateProfile applies a sparse set of field updates.
func (d *DB) UpdateProfile(ctx context.Context, userID uuid.UUID, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	var sets []string
	var args []interface{}
	argNum := 1
	for field, value := range fields {
		sets = append(sets, fmt.Sprintf("%s = $%d", field, argNum))
		args = append(args, value)
		argNum++
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, userID)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), argNum)
	if _, err := d.Write().ExecContext(ctx, query, args...); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "update profile", err)
	}
	return nil
}

// RotateIdentityKey replaces the user's identity key and, in the same
// transaction, deletes every SKDM addressed to them — SKDMs encrypted to the
// old identity key are undecryptable once it's gone.
func (d *DB) RotateIdentityKey(ctx context.Context, userID uuid.UUID, identityKey, signedPreKey, signature []byte) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "begin rotate identity key", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET identity_key = $1, signed_prekey = $2, signed_prekey_signature = $3, updated_at = NOW()
		WHERE id = $4
	`, identityKey, signedPreKey, signature, userID); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "update identity key", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sender_key_distributions WHERE to_user_id = $1`, userID); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "delete stale SKDMs", err)
	}

	return herr.Commit(tx.Commit())
}

func (d *DB) SetTOTPPending(ctx context.Context, userID uuid.UUID, secret string) error {
	_, err := d.Write().ExecContext(ctx, `UPDATE users SET pending_totp_secret = $1 WHERE id = $2`, secret, userID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "set pending totp", err)
	}
	return nil
}

// PromoteTOTP moves pending_totp_secret to totp_secret once the user has
// proven possession, and never leaves the instance lockout-prone.
func (d *DB) PromoteTOTP(ctx context.Context, userID uuid.UUID) error {
	res, err := d.Write().ExecContext(ctx, `
		UPDATE users SET totp_secret = pending_totp_secret, pending_totp_secret = NULL
		WHERE id = $1 AND pending_totp_secret IS NOT NULL
	`, userID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "promote totp", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return herr.New(herr.Validation, "no pending TOTP setup")
	}
	return nil
}

func (d *DB) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	_, err := d.Write().ExecContext(ctx, `UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2`, hash, userID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "update password hash", err)
	}
	return nil
}

// DeleteUser, in one transaction, deletes the servers the user owns and
// soft-deletes the user's row (sets deleted_at). It deletes no other rows
// itself: channels, messages and attachments under those servers go only as
// far as the schema's foreign keys take them. It deletes no blobs and
// returns no storage keys; handleDeleteMe collects them beforehand with
// AttachmentKeysOwnedByUser.
func (d *DB) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "begin delete user", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE owner_user_id = $1`, userID); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "delete owned servers", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET deleted_at = NOW() WHERE id = $1`, userID); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "soft delete user", err)
	}
	return herr.Commit(tx.Commit())
}
