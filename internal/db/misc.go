package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
)

// Friendship

func (d *DB) SendFriendRequest(ctx context.Context, requester, addressee uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO friendships (requester_id, addressee_id, status, created_at) VALUES ($1, $2, 'pending', NOW())
		ON CONFLICT (requester_id, addressee_id) DO NOTHING
	`, requester, addressee)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "send friend request", err)
	}
	return nil
}

func (d *DB) AcceptFriendRequest(ctx context.Context, requester, addressee uuid.UUID) error {
	res, err := d.Write().ExecContext(ctx, `
		UPDATE friendships SET status = 'accepted' WHERE requester_id = $1 AND addressee_id = $2 AND status = 'pending'
	`, requester, addressee)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "accept friend request", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return herr.New(herr.NotFound, "no pending friend request")
	}
	return nil
}

// AreFriends checks the symmetric relationship via a union of both
// directions.
func (d *DB) AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var exists bool
	err := d.Read().QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM friendships WHERE status = 'accepted' AND
			((requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1))
		)
	`, a, b).Scan(&exists)
	if err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "check friendship", err)
	}
	return exists, nil
}

func (d *DB) RemoveFriend(ctx context.Context, a, b uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		DELETE FROM friendships WHERE (requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1)
	`, a, b)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "remove friend", err)
	}
	return nil
}

// Invites (server invites, transactional join-via-invite)

func (d *DB) CreateInvite(ctx context.Context, inv *models.Invite) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO invites (code, server_id, created_by, max_uses, use_count, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, true, NOW()) RETURNING created_at
	`, inv.Code, inv.ServerID, inv.CreatedBy, inv.MaxUses, inv.ExpiresAt).Scan(&inv.CreatedAt)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create invite", err)
	}
	return nil
}

// JoinViaInvite validates the invite, adds membership, and bumps use_count
// in a single transaction.
func (d *DB) JoinViaInvite(ctx context.Context, code string, userID uuid.UUID) (uuid.UUID, error) {
	tx, err := d.Begin(ctx)
	if err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "begin join via invite", err)
	}
	defer tx.Rollback()

	var serverID uuid.UUID
	var maxUses sql.NullInt64
	var useCount int
	var expiresAt sql.NullTime
	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT server_id, max_uses, use_count, expires_at, active FROM invites WHERE code = $1 FOR UPDATE
	`, code).Scan(&serverID, &maxUses, &useCount, &expiresAt, &active)
	if err == sql.ErrNoRows {
		return uuid.Nil, herr.New(herr.NotFound, "invite not found")
	}
	if err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "load invite", err)
	}
	if !active || (expiresAt.Valid && expiresAt.Time.Before(time.Now())) || (maxUses.Valid && int64(useCount) >= maxUses.Int64) {
		return uuid.Nil, herr.New(herr.Validation, "invite expired or exhausted")
	}

	var banned bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bans WHERE server_id = $1 AND user_id = $2)
	`, serverID, userID).Scan(&banned); err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "check ban", err)
	}
	if banned {
		return uuid.Nil, herr.New(herr.Forbidden, "banned from this server")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO server_members (server_id, user_id, joined_at) VALUES ($1, $2, NOW())
		ON CONFLICT (server_id, user_id) DO NOTHING
	`, serverID, userID); err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "add server member via invite", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invites SET use_count = use_count + 1 WHERE code = $1`, code); err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "bump invite use count", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, herr.Wrap(herr.PersistenceFailure, "commit join via invite", err)
	}
	return serverID, nil
}

func (d *DB) DeactivateInvite(ctx context.Context, code string) error {
	_, err := d.Write().ExecContext(ctx, `UPDATE invites SET active = false WHERE code = $1`, code)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "deactivate invite", err)
	}
	return nil
}

func (d *DB) PurgeExpiredInvites(ctx context.Context) (int64, error) {
	res, err := d.Write().ExecContext(ctx, `UPDATE invites SET active = false WHERE expires_at IS NOT NULL AND expires_at < NOW() AND active = true`)
	if err != nil {
		return 0, herr.Wrap(herr.PersistenceFailure, "purge expired invites", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Registration invites

func (d *DB) CreateRegistrationInvite(ctx context.Context, code string, createdBy uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO registration_invites (code, created_by, created_at) VALUES ($1, $2, NOW())
	`, code, createdBy)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create registration invite", err)
	}
	return nil
}

func (d *DB) CountRegistrationInvitesCreated(ctx context.Context, createdBy uuid.UUID) (int, error) {
	var n int
	err := d.Read().QueryRowContext(ctx, `SELECT COUNT(*) FROM registration_invites WHERE created_by = $1`, createdBy).Scan(&n)
	if err != nil {
		return 0, herr.Wrap(herr.PersistenceFailure, "count registration invites", err)
	}
	return n, nil
}

// ConsumeRegistrationInvite marks a registration invite used atomically,
// rejecting an already-used or unknown code.
func (d *DB) ConsumeRegistrationInvite(ctx context.Context, code string, usedBy uuid.UUID) error {
	res, err := d.Write().ExecContext(ctx, `
		UPDATE registration_invites SET used_by = $1 WHERE code = $2 AND used_by IS NULL
	`, usedBy, code)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "consume registration invite", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return herr.New(herr.Validation, "invalid or already-used registration invite")
	}
	return nil
}

// Bans

func (d *DB) CreateBan(ctx context.Context, b *models.Ban) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO bans (server_id, user_id, reason, banned_by, created_at) VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (server_id, user_id) DO UPDATE SET reason = $3, banned_by = $4
	`, b.ServerID, b.UserID, b.Reason, b.BannedBy)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create ban", err)
	}
	return nil
}

func (d *DB) IsBanned(ctx context.Context, serverID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := d.Read().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bans WHERE server_id = $1 AND user_id = $2)
	`, serverID, userID).Scan(&exists)
	if err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "check ban", err)
	}
	return exists, nil
}

// Reports / audit log

func (d *DB) CreateReport(ctx context.Context, r *models.Report) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO reports (id, reporter_id, message_id, target_user_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'open', NOW()) RETURNING created_at
	`, r.ID, r.ReporterID, r.MessageID, r.TargetUserID, r.Reason).Scan(&r.CreatedAt)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create report", err)
	}
	return nil
}

func (d *DB) ResolveReport(ctx context.Context, id uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		UPDATE reports SET status = 'resolved', resolved_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "resolve report", err)
	}
	return nil
}

func (d *DB) PurgeResolvedReports(ctx context.Context, olderThanDays int) (int64, error) {
	res, err := d.Write().ExecContext(ctx, `
		DELETE FROM reports WHERE status = 'resolved' AND resolved_at < NOW() - ($1 || ' days')::interval
	`, olderThanDays)
	if err != nil {
		return 0, herr.Wrap(herr.PersistenceFailure, "purge resolved reports", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (d *DB) WriteAuditLog(ctx context.Context, a *models.AuditLog) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO audit_log (id, server_id, actor_id, action, target_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, a.ID, a.ServerID, a.ActorID, a.Action, a.TargetID, a.Detail)
	if err != nil {
		// audit logging failure is swallowed with logging at the call site
		return herr.Wrap(herr.PersistenceFailure, "write audit log", err)
	}
	return nil
}

func (d *DB) PurgeOldAuditLog(ctx context.Context, olderThanDays int) (int64, error) {
	res, err := d.Write().ExecContext(ctx, `
		DELETE FROM audit_log WHERE created_at < NOW() - ($1 || ' days')::interval
	`, olderThanDays)
	if err != nil {
		return 0, herr.Wrap(herr.PersistenceFailure, "purge old audit log", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Custom emojis

func (d *DB) CreateEmoji(ctx context.Context, e *models.CustomEmoji) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO custom_emojis (id, server_id, name, storage_key, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING created_at
	`, e.ID, e.ServerID, e.Name, e.StorageKey, e.CreatedBy).Scan(&e.CreatedAt)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create emoji", err)
	}
	return nil
}

func (d *DB) DeleteEmoji(ctx context.Context, id uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `DELETE FROM custom_emojis WHERE id = $1`, id)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "delete emoji", err)
	}
	return nil
}

// Key backup — per-user singleton, overwrite-on-conflict.

func (d *DB) PutKeyBackup(ctx context.Context, kb *models.KeyBackup) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO key_backups (user_id, ciphertext, nonce, salt, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET ciphertext = $2, nonce = $3, salt = $4, version = $5, updated_at = NOW()
	`, kb.UserID, kb.Ciphertext, kb.Nonce, kb.Salt, kb.Version)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "put key backup", err)
	}
	return nil
}

func (d *DB) GetKeyBackup(ctx context.Context, userID uuid.UUID) (*models.KeyBackup, error) {
	var kb models.KeyBackup
	err := d.Read().QueryRowContext(ctx, `
		SELECT user_id, ciphertext, nonce, salt, version, updated_at FROM key_backups WHERE user_id = $1
	`, userID).Scan(&kb.UserID, &kb.Ciphertext, &kb.Nonce, &kb.Salt, &kb.Version, &kb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.NotFound, "no key backup on file")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get key backup", err)
	}
	return &kb, nil
}

// Attachments

func (d *DB) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO attachments (id, message_id, uploader_id, storage_key, encrypted_meta, size_bucket, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING created_at
	`, a.ID, a.MessageID, a.UploaderID, a.StorageKey, a.EncryptedMeta, a.SizeBucket).Scan(&a.CreatedAt)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create attachment", err)
	}
	return nil
}

func (d *DB) GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error) {
	var a models.Attachment
	err := d.Read().QueryRowContext(ctx, `
		SELECT id, message_id, uploader_id, storage_key, encrypted_meta, size_bucket, created_at FROM attachments WHERE id = $1
	`, id).Scan(&a.ID, &a.MessageID, &a.UploaderID, &a.StorageKey, &a.EncryptedMeta, &a.SizeBucket, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.NotFound, "attachment not found")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get attachment", err)
	}
	return &a, nil
}

// AttachmentKeysOwnedByUser returns the storage keys of every attachment the
// user uploaded plus everything under servers they own, gathered before a
// cascading account delete so the caller can clean up blobs.
func (d *DB) AttachmentKeysOwnedByUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := d.Read().QueryContext(ctx, `
		SELECT storage_key FROM attachments WHERE uploader_id = $1
		UNION
		SELECT a.storage_key FROM attachments a
		JOIN messages m ON m.id = a.message_id
		JOIN channels c ON c.id = m.channel_id
		JOIN servers s ON s.id = c.server_id
		WHERE s.owner_user_id = $1
	`, userID)
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "list owned attachment keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, herr.Wrap(herr.PersistenceFailure, "scan attachment key", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// LinkAttachments binds uploaded attachment rows to the message that now
// carries them. Only the uploader's own unlinked rows are eligible, so a
// sender cannot attach someone else's upload.
func (d *DB) LinkAttachments(ctx context.Context, messageID, uploaderID uuid.UUID, attachmentIDs []uuid.UUID) error {
	if len(attachmentIDs) == 0 {
		return nil
	}
	tx, err := d.Begin(ctx)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "begin link attachments", err)
	}
	defer tx.Rollback()

	for _, id := range attachmentIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE attachments SET message_id = $1 WHERE id = $2 AND uploader_id = $3 AND message_id IS NULL
		`, messageID, id, uploaderID)
		if err != nil {
			return herr.Wrap(herr.PersistenceFailure, "link attachment", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return herr.New(herr.Validation, "attachment not found or already linked")
		}
	}
	return herr.Commit(tx.Commit())
}
