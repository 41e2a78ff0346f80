package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/herr"
	"github.com/markjsapp/Haven-sub000/internal/models"
)

func (d *DB) CreateServer(ctx context.Context, s *models.Server) error {
	err := d.Write().QueryRowContext(ctx, `
		INSERT INTO servers (id, encrypted_meta, owner_user_id, icon_url, created_at)
		VALUES ($1, $2, $3, $4, NOW()) RETURNING created_at
	`, s.ID, s.EncryptedMeta, s.OwnerUserID, s.IconURL).Scan(&s.CreatedAt)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create server", err)
	}
	return nil
}

func (d *DB) GetServer(ctx context.Context, id uuid.UUID) (*models.Server, error) {
	var s models.Server
	err := d.Read().QueryRowContext(ctx, `
		SELECT id, encrypted_meta, owner_user_id, icon_url, system_channel_id, created_at FROM servers WHERE id = $1
	`, id).Scan(&s.ID, &s.EncryptedMeta, &s.OwnerUserID, &s.IconURL, &s.SystemChannelID, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, herr.New(herr.NotFound, "server not found")
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get server", err)
	}
	return &s, nil
}

func (d *DB) IsServerOwner(ctx context.Context, serverID, userID uuid.UUID) (bool, error) {
	var ownerID uuid.UUID
	err := d.Read().QueryRowContext(ctx, `SELECT owner_user_id FROM servers WHERE id = $1`, serverID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return false, herr.New(herr.NotFound, "server not found")
	}
	if err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "check server owner", err)
	}
	return ownerID == userID, nil
}

func (d *DB) AddServerMember(ctx context.Context, serverID, userID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO server_members (server_id, user_id, joined_at) VALUES ($1, $2, NOW())
		ON CONFLICT (server_id, user_id) DO NOTHING
	`, serverID, userID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "add server member", err)
	}
	return nil
}

func (d *DB) IsServerMember(ctx context.Context, serverID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := d.Read().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM server_members WHERE server_id = $1 AND user_id = $2)
	`, serverID, userID).Scan(&exists)
	if err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "check server membership", err)
	}
	return exists, nil
}

// ShareServer reports whether two users are both members of at least one
// common server, used by the server_members DM-privacy mode.
func (d *DB) ShareServer(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var exists bool
	err := d.Read().QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM server_members sa JOIN server_members sb ON sa.server_id = sb.server_id
			WHERE sa.user_id = $1 AND sb.user_id = $2
		)
	`, a, b).Scan(&exists)
	if err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "check shared server", err)
	}
	return exists, nil
}

func (d *DB) IsTimedOut(ctx context.Context, serverID, userID uuid.UUID) (bool, error) {
	var timedOutUntil sql.NullTime
	err := d.Read().QueryRowContext(ctx, `
		SELECT timed_out_until FROM server_members WHERE server_id = $1 AND user_id = $2
	`, serverID, userID).Scan(&timedOutUntil)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, herr.Wrap(herr.PersistenceFailure, "check timeout", err)
	}
	return timedOutUntil.Valid && timedOutUntil.Time.After(time.Now().UTC()), nil
}

// EveryoneRole returns the server's default role, or nil if none exists yet
// (the baseline permission set applies in that case).
func (d *DB) EveryoneRole(ctx context.Context, serverID uuid.UUID) (*models.Role, error) {
	var r models.Role
	err := d.Read().QueryRowContext(ctx, `
		SELECT id, server_id, name, color, permissions, position, is_default
		FROM roles WHERE server_id = $1 AND is_default = true
	`, serverID).Scan(&r.ID, &r.ServerID, &r.Name, &r.Color, &r.Permissions, &r.Position, &r.IsDefault)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get everyone role", err)
	}
	return &r, nil
}

// MemberRoles returns every role assigned to (server, user), used for the
// OR-merge step of server-level permission resolution.
func (d *DB) MemberRoles(ctx context.Context, serverID, userID uuid.UUID) ([]models.Role, error) {
	rows, err := d.Read().QueryContext(ctx, `
		SELECT r.id, r.server_id, r.name, r.color, r.permissions, r.position, r.is_default
		FROM roles r JOIN member_roles mr ON mr.role_id = r.id
		WHERE mr.server_id = $1 AND mr.user_id = $2
	`, serverID, userID)
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get member roles", err)
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.ServerID, &r.Name, &r.Color, &r.Permissions, &r.Position, &r.IsDefault); err != nil {
			return nil, herr.Wrap(herr.PersistenceFailure, "scan member role", err)
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// HighestRolePosition returns the strongest (highest position) role held by
// a member, used by the hierarchy rule for mutation endpoints.
func (d *DB) HighestRolePosition(ctx context.Context, serverID, userID uuid.UUID) (int, error) {
	var pos sql.NullInt64
	err := d.Read().QueryRowContext(ctx, `
		SELECT MAX(r.position) FROM roles r JOIN member_roles mr ON mr.role_id = r.id
		WHERE mr.server_id = $1 AND mr.user_id = $2
	`, serverID, userID).Scan(&pos)
	if err != nil {
		return 0, herr.Wrap(herr.PersistenceFailure, "get highest role position", err)
	}
	if !pos.Valid {
		return -1, nil
	}
	return int(pos.Int64), nil
}

func (d *DB) CreateRole(ctx context.Context, r *models.Role) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO roles (id, server_id, name, color, permissions, position, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.ServerID, r.Name, r.Color, r.Permissions, r.Position, r.IsDefault)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "create role", err)
	}
	return nil
}

func (d *DB) UpdateRole(ctx context.Context, r *models.Role) error {
	_, err := d.Write().ExecContext(ctx, `
		UPDATE roles SET name = $1, color = $2, permissions = $3, position = $4 WHERE id = $5
	`, r.Name, r.Color, r.Permissions, r.Position, r.ID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "update role", err)
	}
	return nil
}

func (d *DB) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "delete role", err)
	}
	return nil
}

func (d *DB) AssignRole(ctx context.Context, serverID, userID, roleID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO member_roles (server_id, user_id, role_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, serverID, userID, roleID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "assign role", err)
	}
	return nil
}

func (d *DB) UnassignRole(ctx context.Context, serverID, userID, roleID uuid.UUID) error {
	_, err := d.Write().ExecContext(ctx, `
		DELETE FROM member_roles WHERE server_id = $1 AND user_id = $2 AND role_id = $3
	`, serverID, userID, roleID)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "unassign role", err)
	}
	return nil
}

// ChannelOverwrites returns every overwrite on a channel in no particular
// order; the permission engine is responsible for applying @everyone before
// roles before the member-specific one.
func (d *DB) ChannelOverwrites(ctx context.Context, channelID uuid.UUID) ([]models.ChannelPermissionOverwrite, error) {
	rows, err := d.Read().QueryContext(ctx, `
		SELECT channel_id, target_type, target_id, allow, deny FROM channel_permission_overwrites WHERE channel_id = $1
	`, channelID)
	if err != nil {
		return nil, herr.Wrap(herr.PersistenceFailure, "get channel overwrites", err)
	}
	defer rows.Close()

	var out []models.ChannelPermissionOverwrite
	for rows.Next() {
		var o models.ChannelPermissionOverwrite
		if err := rows.Scan(&o.ChannelID, &o.TargetType, &o.TargetID, &o.Allow, &o.Deny); err != nil {
			return nil, herr.Wrap(herr.PersistenceFailure, "scan overwrite", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (d *DB) UpsertOverwrite(ctx context.Context, o *models.ChannelPermissionOverwrite) error {
	_, err := d.Write().ExecContext(ctx, `
		INSERT INTO channel_permission_overwrites (channel_id, target_type, target_id, allow, deny)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, target_type, target_id) DO UPDATE SET allow = $4, deny = $5
	`, o.ChannelID, o.TargetType, o.TargetID, o.Allow, o.Deny)
	if err != nil {
		return herr.Wrap(herr.PersistenceFailure, "upsert overwrite", err)
	}
	return nil
}
