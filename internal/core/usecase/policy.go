package usecase

import (
	"context"
	"errors"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
	"github.com/atvirokodosprendimai/keyring/internal/core/ports"
)

// CanManage decides whether actor may mutate key. roleInKeyOrg must be the
// actor's role in key.OrganizationID, which is not necessarily the actor's
// active organization.
func CanManage(actor domain.Actor, key domain.APIKey, roleInKeyOrg domain.Role) bool {
	if actor.ID == "" {
		return false
	}
	return key.UserID == actor.ID || roleInKeyOrg.Elevated()
}

// roleIn resolves the actor's role in organizationID. The session role only
// answers for the active organization; anything else goes to the directory.
// Non-members get domain.RoleNone with a nil error.
func roleIn(ctx context.Context, members ports.MembershipDirectory, actor domain.Actor, organizationID string) (domain.Role, error) {
	if organizationID == "" {
		return domain.RoleNone, nil
	}
	if organizationID == actor.ActiveOrganizationID {
		return actor.Role, nil
	}
	if members == nil {
		return domain.RoleNone, nil
	}
	role, err := members.Role(ctx, organizationID, actor.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.RoleNone, nil
	}
	if err != nil {
		return domain.RoleNone, err
	}
	return role, nil
}
