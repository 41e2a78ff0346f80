package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
)

func (d *DB) CreateMessage(ctx context.Context, m *models.Message) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, sender_token, encrypted_body, message_type,
		                       created_at, expires_at, has_attachments, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, $8, $9)
		RETURNING created_at
	`, m.ID, m.ChannelID, m.SenderID, m.SenderToken, m.EncryptedBody, m.MessageType,
		m.ExpiresAt, m.HasAttachments, m.ReplyToID).Scan(&m.CreatedAt)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create message", err)
	}
	return nil
}

func (d *DB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var m models.Message
	err := d.Read().QueryRowContext(ctx, `
		SELECT id, channel_id, sender_id, sender_token, encrypted_body, message_type, created_at,
		       expires_at, has_attachments, edited_at, reply_to_id
		FROM messages WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderToken, &m.EncryptedBody, &m.MessageType,
		&m.CreatedAt, &m.ExpiresAt, &m.HasAttachments, &m.EditedAt, &m.ReplyToID)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.NotFound, "message not found")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get message", err)
	}
	return &m, nil
}

// EditMessage enforces sender-only authorization at the SQL layer: zero rows
// affected means Forbidden, not NotFound, since the row may well exist.
func (d *DB) EditMessage(ctx context.Context, id, senderID uuid.UUID, encryptedBody []byte) error {
	res, err := d.Write().ExecContext(ctx, `
		UPDATE messages SET encrypted_body = $1, edited_at = NOW()
		WHERE id = $2 AND sender_id = $3 AND deleted_at IS NULL
	`, encryptedBody, id, senderID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "edit message", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return herr.New(herr.Forbidden, "not the sender of this message")
	}
	return nil
}

// DeleteMessageAsSender attempts the sender-only fast path. Returns false,
// nil when zero rows were affected (caller should fall back to the
// permission-gated path), and a real error only on DB failure.
func (d *DB) DeleteMessageAsSender(ctx context.Context, id, senderID uuid.UUID) (bool, error) {
	res, err := d.Write().ExecContext(ctx, `
		UPDATE messages SET deleted_at = NOW() WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
	`, id, senderID)
	if err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "delete message as sender", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMessageUnconditional performs the moderator-path delete plus manual
// cascade of child rows, since partitioning forbids declared FK cascades.
func (d *DB) DeleteMessageUnconditional(ctx context.Context, id uuid.UUID) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "begin delete message", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM reactions WHERE message_id = $1`,
		`DELETE FROM pinned_messages WHERE message_id = $1`,
		`DELETE FROM attachments WHERE message_id = $1`,
		`DELETE FROM reports WHERE message_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return herr.Wrap(herr.PersistenceFailure, "cascade delete message children", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET deleted_at = NOW() WHERE id = $1`, id); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "delete message", err)
	}
	return herr.Commit(tx.Commit())
}

func (d *DB) GetMessages(ctx context.Context, channelID uuid.UUID, before time.Time, limit int) ([]models.Message, error) {
	rows, err := d.Read().QueryContext(ctx, `
		SELECT id, channel_id, sender_id, sender_token, encrypted_body, message_type, created_at,
		       expires_at, has_attachments, edited_at, reply_to_id
		FROM messages WHERE channel_id = $1 AND created_at < $2 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $3
	`, channelID, before, limit)
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get messages", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderToken, &m.EncryptedBody, &m.MessageType,
			&m.CreatedAt, &m.ExpiresAt, &m.HasAttachments, &m.EditedAt, &m.ReplyToID); err != nil {
			return nil, herr.Wrap(herr.PersistenceFailure, "scan message", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *DB) AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING
	`, messageID, userID, emoji)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "add reaction", err)
	}
	return nil
}

func (d *DB) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	_, err := d.Write().ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, userID, emoji)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "remove reaction", err)
	}
	return nil
}

// PinMessage enforces the 50-pin cap per channel and rejects a duplicate pin
// as Validation ("already pinned").
func (d *DB) PinMessage(ctx context.Context, channelID, messageID, pinnedBy uuid.UUID) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "begin pin message", err)
	}
	defer tx.Rollback()

	var alreadyPinned bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pinned_messages WHERE channel_id = $1 AND message_id = $2)
	`, channelID, messageID).Scan(&alreadyPinned); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "check existing pin", err)
	}
	if alreadyPinned {
		return herr.New(herr.Validation, "message already pinned")
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pinned_messages WHERE channel_id = $1`, channelID).Scan(&count); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "count pins", err)
	}
	if count >= 50 {
		return herr.New(herr.Validation, "channel has reached the 50 pinned message limit")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pinned_messages (channel_id, message_id, pinned_by, created_at) VALUES ($1, $2, $3, NOW())
	`, channelID, messageID, pinnedBy); err != nil {
		return herr.Wrap(herr.PersistenceFailure, "insert pin", err)
	}

	return herr.Commit(tx.Commit())
}

func (d *DB) UnpinMessage(ctx context.Context, channelID, messageID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `DELETE FROM pinned_messages WHERE channel_id = $1 AND message_id = $2`, channelID, messageID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "unpin message", err)
	}
	return nil
}

func (d *DB) MarkRead(ctx context.Context, channelID, userID uuid.UUID) (time.Time, error) {
	var lastReadAt time.Time
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO read_states (channel_id, user_id, last_read_at) VALUES ($1, $2, NOW())
		ON CONFLICT (channel_id, user_id) DO UPDATE SET last_read_at = NOW()
		RETURNING last_read_at
	`, channelID, userID).Scan(&lastReadAt)
	if err != nil {
		return time.Time{}, herr.Wrap(herr.PersistenceFailure, "mark read", err)
	}
	return lastReadAt, nil
}

// UpsertSenderKeyDistribution is idempotent on (channel, from, to,
// distribution_id); retries leave one row with the most recent payload.
func (d *DB) UpsertSenderKeyDistribution(ctx context.Context, s *models.SenderKeyDistribution) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO sender_key_distributions (channel_id, from_user_id, to_user_id, distribution_id, encrypted_skdm, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (channel_id, from_user_id, to_user_id, distribution_id)
		DO UPDATE SET encrypted_skdm = $5, created_at = NOW()
	`, s.ChannelID, s.FromUserID, s.ToUserID, s.DistributionID, s.EncryptedSKDM)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "upsert SKDM", err)
	}
	return nil
}

// PendingSKDMs returns all SKDMs addressed to (channel, me), ordered by
// creation; they are never deleted on read so new devices can rehydrate.
func (d *DB) PendingSKDMs(ctx context.Context, channelID, toUserID uuid.UUID) ([]models.SenderKeyDistribution, error) {
	rows, err := d.Read().QueryContext(ctx, `
		SELECT channel_id, from_user_id, to_user_id, distribution_id, encrypted_skdm, created_at
		FROM sender_key_distributions WHERE channel_id = $1 AND to_user_id = $2
		ORDER BY created_at ASC
	`, channelID, toUserID)
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get pending SKDMs", err)
	}
	defer rows.Close()

	var out []models.SenderKeyDistribution
	for rows.Next() {
		var s models.SenderKeyDistribution
		if err := rows.Scan(&s.ChannelID, &s.FromUserID, &s.ToUserID, &s.DistributionID, &s.EncryptedSKDM, &s.CreatedAt); err != nil {
			return nil, herr.Wrap(herr.PersistenceFailure, "scan SKDM", err)
		}
		out = append(out, s)
	}
	return out, nil
}
