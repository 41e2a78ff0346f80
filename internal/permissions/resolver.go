package permissions

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/cache"
	"github.com/markjsapp/Haven-sub000/internal/db"
)

// Resolver computes effective permissions against the persistence layer and
// memoizes (server, user) results in the two-tier cache. Any role mutation
// invalidates the server-wide prefix; per-member mutations invalidate the one
// key.
type Resolver struct {
	db    *db.DB
	cache *cache.Cache
}

func NewResolver(store *db.DB, c *cache.Cache) *Resolver {
	return &Resolver{db: store, cache: c}
}

// ServerPerms resolves the server-level bitfield for (server, user),
// consulting the cache first. Cache failures degrade to a fresh computation,
// never to a denied request.
func (r *Resolver) ServerPerms(ctx context.Context, serverID, userID uuid.UUID) (int64, error) {
	key := cache.PermsKey(serverID.String(), userID.String())

	var cached int64
	if hit, err := r.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[PERMS] cache read for %s failed: %v", key, err)
	}

	perms, err := r.computeServerPerms(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}

	if err := r.cache.Set(ctx, key, perms, cache.PermsTTL); err != nil {
		log.Printf("[PERMS] cache write for %s failed: %v", key, err)
	}
	return perms, nil
}

func (r *Resolver) computeServerPerms(ctx context.Context, serverID, userID uuid.UUID) (int64, error) {
	isOwner, err := r.db.IsServerOwner(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	if isOwner {
		return All, nil
	}

	everyone, err := r.db.EveryoneRole(ctx, serverID)
	if err != nil {
		return 0, err
	}
	memberRoles, err := r.db.MemberRoles(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	return ResolveServer(false, everyone, memberRoles), nil
}

// ChannelPerms applies the channel's overwrites to the server-level result.
// Channel-level results are not separately cached — the server-level entry is
// the expensive part, and overwrite application is pure bit math.
func (r *Resolver) ChannelPerms(ctx context.Context, serverID, channelID, userID uuid.UUID) (int64, error) {
	serverPerms, err := r.ServerPerms(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	if serverPerms&Administrator != 0 {
		return All, nil
	}

	everyone, err := r.db.EveryoneRole(ctx, serverID)
	if err != nil {
		return 0, err
	}
	memberRoles, err := r.db.MemberRoles(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	overwrites, err := r.db.ChannelOverwrites(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return ResolveChannel(serverPerms, everyone, memberRoles, overwrites, userID), nil
}

// InvalidateServer drops every memoized (server, *) entry — called on role
// create/update/delete and on overwrite changes.
func (r *Resolver) InvalidateServer(ctx context.Context, serverID uuid.UUID) {
	if err := r.cache.InvalidatePattern(ctx, cache.PermsServerPrefix(serverID.String())); err != nil {
		log.Printf("[PERMS] server-wide invalidation for %s failed: %v", serverID, err)
	}
}

// InvalidateMember drops the one (server, user) entry — called on role
// assign/unassign.
func (r *Resolver) InvalidateMember(ctx context.Context, serverID, userID uuid.UUID) {
	if err := r.cache.Invalidate(ctx, cache.PermsKey(serverID.String(), userID.String())); err != nil {
		log.Printf("[PERMS] member invalidation for %s/%s failed: %v", serverID, userID, err)
	}
}
