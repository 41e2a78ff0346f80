package permissions

import (
	"testing"

	"github.com/google/uuid"

	"github.com/markjsapp/Haven-sub000/internal/models"
)

func TestResolveServerOwnerGetsAll(t *testing.T) {
	if got := ResolveServer(true, nil, nil); got != All {
		t.Fatalf("owner should get All, got %#x", got)
	}
}

func TestResolveServerAdministratorShortCircuitsToAll(t *testing.T) {
	everyone := &models.Role{Permissions: Administrator}
	if got := ResolveServer(false, everyone, nil); got != All {
		t.Fatalf("ADMINISTRATOR holder should get All, got %#x", got)
	}
}

func TestResolveServerMergesRoles(t *testing.T) {
	everyone := &models.Role{Permissions: ViewChannels}
	roles := []models.Role{
		{Permissions: SendMessages},
		{Permissions: AddReactions},
	}
	got := ResolveServer(false, everyone, roles)
	want := ViewChannels | SendMessages | AddReactions
	if got != want {
		t.Fatalf("expected OR-merge %#x, got %#x", want, got)
	}
}

func TestResolveServerDefaultsWhenNoEveryoneRole(t *testing.T) {
	if got := ResolveServer(false, nil, nil); got != DefaultEveryone {
		t.Fatalf("expected DefaultEveryone, got %#x", got)
	}
}

func TestHasPermissionAdministratorImpliesEverything(t *testing.T) {
	if !HasPermission(Administrator, BanMembers|ManageRoles|ManageNicknames) {
		t.Fatal("ADMINISTRATOR should satisfy any required bitfield")
	}
}

func TestHasPermissionRequiresAllBits(t *testing.T) {
	perms := ViewChannels | SendMessages
	if !HasPermission(perms, ViewChannels) {
		t.Fatal("expected ViewChannels to be satisfied")
	}
	if HasPermission(perms, ViewChannels|ManageMessages) {
		t.Fatal("should not satisfy a bit that isn't set")
	}
}

func TestResolveChannelOrderedOverwritesMemberWins(t *testing.T) {
	everyoneRole := &models.Role{ID: uuid.New(), Permissions: ViewChannels | SendMessages}
	roleA := models.Role{ID: uuid.New(), Permissions: AddReactions}
	user := uuid.New()

	overwrites := []models.ChannelPermissionOverwrite{
		{TargetType: models.TargetRole, TargetID: everyoneRole.ID, Deny: SendMessages},
		{TargetType: models.TargetRole, TargetID: roleA.ID, Allow: ManageMessages},
		{TargetType: models.TargetMember, TargetID: user, Allow: SendMessages},
	}

	base := ResolveServer(false, everyoneRole, []models.Role{roleA})
	got := ResolveChannel(base, everyoneRole, []models.Role{roleA}, overwrites, user)

	if got&SendMessages == 0 {
		t.Fatal("member-level allow should win over the @everyone deny")
	}
	if got&ManageMessages == 0 {
		t.Fatal("role overwrite allow should carry through")
	}
	if got&ViewChannels == 0 {
		t.Fatal("base permission untouched by overwrites should remain")
	}
}

func TestResolveChannelMemberDenyOverridesRoleAllow(t *testing.T) {
	everyoneRole := &models.Role{ID: uuid.New(), Permissions: ViewChannels}
	roleA := models.Role{ID: uuid.New(), Permissions: 0}
	user := uuid.New()

	overwrites := []models.ChannelPermissionOverwrite{
		{TargetType: models.TargetRole, TargetID: roleA.ID, Allow: ManageMessages},
		{TargetType: models.TargetMember, TargetID: user, Deny: ManageMessages},
	}

	base := ResolveServer(false, everyoneRole, []models.Role{roleA})
	got := ResolveChannel(base, everyoneRole, []models.Role{roleA}, overwrites, user)

	if got&ManageMessages != 0 {
		t.Fatal("member-level deny should override the role-level allow")
	}
}

func TestResolveChannelIdempotentOnRepeatApplication(t *testing.T) {
	everyoneRole := &models.Role{ID: uuid.New(), Permissions: ViewChannels | SendMessages}
	user := uuid.New()
	overwrites := []models.ChannelPermissionOverwrite{
		{TargetType: models.TargetMember, TargetID: user, Deny: SendMessages},
	}

	base := ResolveServer(false, everyoneRole, nil)
	once := ResolveChannel(base, everyoneRole, nil, overwrites, user)
	twice := ResolveChannel(once, everyoneRole, nil, overwrites, user)

	if once != twice {
		t.Fatalf("expected idempotent overwrite application, got %#x then %#x", once, twice)
	}
}

func TestResolveChannelAdministratorShortCircuits(t *testing.T) {
	everyoneRole := &models.Role{ID: uuid.New()}
	user := uuid.New()
	overwrites := []models.ChannelPermissionOverwrite{
		{TargetType: models.TargetMember, TargetID: user, Deny: All},
	}
	if got := ResolveChannel(Administrator, everyoneRole, nil, overwrites, user); got != All {
		t.Fatalf("ADMINISTRATOR should short-circuit overwrites, got %#x", got)
	}
}

func TestCanModifyRoleHierarchy(t *testing.T) {
	if !CanModifyRole(5, 3) {
		t.Fatal("should be able to modify a strictly lower role")
	}
	if CanModifyRole(5, 5) {
		t.Fatal("should not be able to modify a role at the same position")
	}
	if CanModifyRole(3, 5) {
		t.Fatal("should not be able to modify a higher role")
	}
}
