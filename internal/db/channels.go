package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
)

func (d *DB) CreateChannel(ctx context.Context, c *models.Channel) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO channels (id, server_id, encrypted_meta, channel_type, position, category_id, dm_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW()) RETURNING created_at
	`, c.ID, c.ServerID, c.EncryptedMeta, c.Type, c.Position, c.CategoryID, c.DMStatus).Scan(&c.CreatedAt)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create channel", err)
	}
	return nil
}

func (d *DB) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	var c models.Channel
	err := d.Read().QueryRowContext(ctx, `
		SELECT id, server_id, encrypted_meta, channel_type, position, category_id, dm_status, created_at
		FROM channels WHERE id = $1
	`, id).Scan(&c.ID, &c.ServerID, &c.EncryptedMeta, &c.Type, &c.Position, &c.CategoryID, &c.DMStatus, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.NotFound, "channel not found")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get channel", err)
	}
	return &c, nil
}

func (d *DB) AddChannelMember(ctx context.Context, channelID, userID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES ($1, $2, NOW())
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channelID, userID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "add channel member", err)
	}
	return nil
}

// CanAccessChannel implements channel_members ∪ server_members for a server
// channel; for DM/group channels only explicit channel_members apply.
func (d *DB) CanAccessChannel(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	c, err := d.GetChannel(ctx, channelID)
	if err != nil {
		return false, err
	}

	var directMember bool
	if err := d.Read().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)
	`, channelID, userID).Scan(&directMember); err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "check channel membership", err)
	}
	if c.ServerID != nil {
		// a ban is a standing denial regardless of any remaining membership rows
		banned, err := d.IsBanned(ctx, *c.ServerID, userID)
		if err != nil {
			return false, err
		}
		if banned {
			return false, nil
		}
	}
	if directMember {
		return true, nil
	}
	if c.ServerID == nil {
		return false, nil
	}
	return d.IsServerMember(ctx, *c.ServerID, userID)
}

// ChannelMemberUserIDs returns the union of channel_members and (for server
// channels) server_members, excluding the caller — used for direct-delivery
// to DM/group members who haven't subscribed yet.
func (d *DB) ChannelMemberUserIDs(ctx context.Context, channelID, excluding uuid.UUID) ([]uuid.UUID, error) {
	c, err := d.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	seen := map[uuid.UUID]bool{excluding: true}
	var out []uuid.UUID

	rows, err := d.Read().QueryContext(ctx, `SELECT user_id FROM channel_members WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "list channel members", err)
	}
	for rows.Next() {
		var u uuid.UUID
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, herr.Wrap(herr.PersistenceFailure, "scan channel member", err)
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	rows.Close()

	if c.ServerID != nil {
		rows, err := d.Read().QueryContext(ctx, `SELECT user_id FROM server_members WHERE server_id = $1`, *c.ServerID)
		if err != nil {
			return nil, herr.Wrap(herr.PersistenceFailure, "list server members", err)
		}
		for rows.Next() {
			var u uuid.UUID
			if err := rows.Scan(&u); err != nil {
				rows.Close()
				return nil, herr.Wrap(herr.PersistenceFailure, "scan server member", err)
			}
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
		rows.Close()
	}

	return out, nil
}
