package domain

// Role is an organization membership role.
type Role string

const (
	RoleNone   Role = ""
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleAdmin, RoleOwner:
		return true
	}
	return false
}

// Elevated roles may manage any key of their organization.
func (r Role) Elevated() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Actor is the already-authenticated caller, as supplied by the session service.
// Role is the actor's role in ActiveOrganizationID only.
type Actor struct {
	ID                   string
	ActiveOrganizationID string
	Role                 Role
}

type Membership struct {
	OrganizationID string
	UserID         string
	Role           Role
}
