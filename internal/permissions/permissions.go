// Package permissions is the permission engine: Discord-style bitfield
// roles with server owner bypass, @everyone baseline, role OR-merge, and
// ordered channel overwrites.
package permissions

import (
	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/models"
)

// Bits. Position is fixed for forward compatibility.
const (
	Administrator int64 = 1 << iota
	ManageServer
	ManageRoles
	ManageChannels
	KickMembers
	BanMembers
	ManageMessages
	ViewChannels
	SendMessages
	CreateInvites
	ManageInvites
	AddReactions
	MentionEveryone
	AttachFiles
	ReadMessageHistory
	ManageEmojis
	MuteMembers
	Stream
	PrioritySpeaker
	UseVoiceActivity
	UseExternalEmojis
	ManageWebhooks
	ViewAuditLog
	ManageEvents
	ManageThreads
	ModerateMembers
	ManageNicknames
)

// All is the full bitfield, returned for the owner and for ADMINISTRATOR
// holders.
const All = (int64(1) << 27) - 1

// DefaultEveryone is the baseline applied when a server has no @everyone
// role yet.
const DefaultEveryone = ViewChannels | SendMessages | AddReactions | ReadMessageHistory |
	CreateInvites | AttachFiles | Stream | UseVoiceActivity | UseExternalEmojis

// HasPermission reports whether perms satisfies required: true iff perms
// carries ADMINISTRATOR, or every required bit is set.
func HasPermission(perms, required int64) bool {
	return perms&Administrator != 0 || perms&required == required
}

// ResolveServer computes the effective server-level permission set for
// (server, user).
//
//   1. owner -> All
//   2. start from everyoneRole.Permissions, or DefaultEveryone if no
//      default role exists
//   3. OR-merge every role in memberRoles
//   4. if ADMINISTRATOR ends up set, return All
func ResolveServer(isOwner bool, everyoneRole *models.Role, memberRoles []models.Role) int64 {
	if isOwner {
		return All
	}

	perms := DefaultEveryone
	if everyoneRole != nil {
		perms = everyoneRole.Permissions
	}
	for _, r := range memberRoles {
		perms |= r.Permissions
	}
	if perms&Administrator != 0 {
		return All
	}
	return perms
}

// ResolveChannel applies channel overwrites to a server-level result, in
// the strict order base -> @everyone overwrite -> OR-merged role overwrites
// -> member overwrite. Idempotent on repeat application since overwrite
// bits are re-applied, not toggled.
// Admin short-circuits and skips all overwrites.
func ResolveChannel(serverPerms int64, everyoneRole *models.Role, memberRoles []models.Role,
	overwrites []models.ChannelPermissionOverwrite, userID uuid.UUID) int64 {
	if serverPerms&Administrator != 0 {
		return All
	}

	perms := serverPerms

	roleIDs := make(map[uuid.UUID]bool, len(memberRoles))
	for _, r := range memberRoles {
		roleIDs[r.ID] = true
	}

	var everyoneOW, memberOW *models.ChannelPermissionOverwrite
	var roleOWs []models.ChannelPermissionOverwrite
	for i := range overwrites {
		o := &overwrites[i]
		switch o.TargetType {
		case models.TargetRole:
			if everyoneRole != nil && o.TargetID == everyoneRole.ID {
				everyoneOW = o
			} else if roleIDs[o.TargetID] {
				roleOWs = append(roleOWs, *o)
			}
		case models.TargetMember:
			if o.TargetID == userID {
				memberOW = o
			}
		}
	}

	if everyoneOW != nil {
		perms = applyOverwrite(perms, everyoneOW.Allow, everyoneOW.Deny)
	}
	// Role overwrites are OR-merged into one (allow, deny) pair before a
	// single application, so the result doesn't depend on role order.
	var roleAllow, roleDeny int64
	for _, o := range roleOWs {
		roleAllow |= o.Allow
		roleDeny |= o.Deny
	}
	if roleAllow != 0 || roleDeny != 0 {
		perms = applyOverwrite(perms, roleAllow, roleDeny)
	}
	if memberOW != nil {
		perms = applyOverwrite(perms, memberOW.Allow, memberOW.Deny)
	}

	return perms
}

func applyOverwrite(perms, allow, deny int64) int64 {
	return (perms &^ deny) | allow
}

// CanModifyRole enforces the hierarchy rule for mutation endpoints: a
// non-owner may only modify or assign a role whose position is strictly
// less than their own highest role's position. Owner bypasses this check
// entirely at the caller.
func CanModifyRole(actorHighestPosition, targetRolePosition int) bool {
	return targetRolePosition < actorHighestPosition
}
