package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

// Bundle is the X3DH prekey bundle returned to a fetcher. OneTimePreKey is
// nil when the owner's queue was empty.
type Bundle struct {
	IdentityKey        []byte
	SignedPreKey       []byte
	SignedPreKeySig    []byte
	OneTimePreKeyID    *uuid.UUID
	OneTimePreKey      []byte
	HybridKyberPublic  []byte // only populated when the claimed OTP was a hybrid row
}

// GetBundle assembles a prekey bundle and atomically claims at most one
// unused OTP in the same statement, using SELECT ... FOR UPDATE SKIP LOCKED
// so concurrent fetchers never receive the same key.
func (d *DB) GetBundle(ctx context.Context, ownerID uuid.UUID, wantHybrid bool) (*Bundle, error) {
	tx, err := d.Begin(ctx)
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "begin get bundle", err)
	}
	defer tx.Rollback()

	var b Bundle
	err = tx.QueryRowContext(ctx, `
		SELECT identity_key, signed_prekey, signed_prekey_signature FROM users WHERE id = $1 AND deleted_at IS NULL
	`, ownerID).Scan(&b.IdentityKey, &b.SignedPreKey, &b.SignedPreKeySig)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.NotFound, "user not found")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "load identity for bundle", err)
	}

	kyberFilter := ""
	if wantHybrid {
		kyberFilter = "AND kyber_public_key IS NOT NULL"
	}

	row := tx.QueryRowContext(ctx, `
		WITH claimed AS (
			SELECT id FROM one_time_prekeys
			WHERE owner_user_id = $1 AND consumed = false `+kyberFilter+`
			ORDER BY key_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE one_time_prekeys SET consumed = true, consumed_by = $2, consumed_at = NOW()
		WHERE id = (SELECT id FROM claimed)
		RETURNING id, key_id, public_key, kyber_public_key
	`, ownerID, ownerID)

	var otpID uuid.UUID
	var keyID int
	var pub, kyberPub []byte
	if err := row.Scan(&otpID, &keyID, &pub, &kyberPub); err == sql.ErrNoRows {
		// no OTP available; bundle still valid without one
	} else if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "claim one-time prekey", err)
	} else {
		b.OneTimePreKeyID = &otpID
		b.OneTimePreKey = pub
		b.HybridKyberPublic = kyberPub
	}

	if err := tx.Commit(); err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "commit get bundle", err)
	}
	return &b, nil
}

// UploadOneTimePreKeys inserts a batch, continuing the owner's key_id
// sequence from their current unused count.
func (d *DB) UploadOneTimePreKeys(ctx context.Context, ownerID uuid.UUID, keys [][]byte, kyberKeys [][]byte) error {
	if len(keys) == 0 {
		return herr.New(herr.Validation, "no prekeys provided")
	}
	if len(keys) > 100 {
		return herr.New(herr.Validation, "at most 100 prekeys per request")
	}

	tx, err := d.Begin(ctx)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "begin upload prekeys", err)
	}
	defer tx.Rollback()

	var start int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys WHERE owner_user_id = $1 AND consumed = false
	`, ownerID).Scan(&start); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "count unused prekeys", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO one_time_prekeys (id, owner_user_id, key_id, public_key, kyber_public_key, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, false, NOW())
	`)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "prepare prekey insert", err)
	}
	defer stmt.Close()

	for i, key := range keys {
		var kyber []byte
		if i < len(kyberKeys) {
			kyber = kyberKeys[i]
		}
		if _, err := stmt.ExecContext(ctx, uuid.New(), ownerID, start+i, key, kyber); err != nil {
			return herr.Wrap(herr.PersistenceFailure, "insert prekey", err)
		}
	}

	return herr.Commit(tx.Commit())
}

// UnusedPreKeyCount reports the owner's remaining OTP count, used to decide
// whether to emit a low-watermark warning or needs_replenishment.
func (d *DB) UnusedPreKeyCount(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var count int
	err := d.Read().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys WHERE owner_user_id = $1 AND consumed = false
	`, ownerID).Scan(&count)
	if err != nil {
		return 0, herr.Wrap(herr.PersistenceFailure, "count unused prekeys", err)
	}
	return count, nil
}
