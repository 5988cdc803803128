package auth

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleCustomer   Role = "CUSTOMER"
	RoleTechnician Role = "TECHNICIAN"
	RoleManager    Role = "MANAGER"
	RoleAdmin      Role = "ADMIN"
)

// ParseRole accepts roles case-insensitively, with or without a ROLE_ prefix.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "ROLE_"))
	switch r {
	case RoleCustomer, RoleTechnician, RoleManager, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the pre-authenticated caller of a workflow operation.
type Identity struct {
	ActorID string
	Role    Role
}

func (id Identity) String() string {
	return fmt.Sprintf("%s(%s)", id.ActorID, id.Role)
}

// ForbiddenError indicates the caller may not perform an action.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("not allowed to %s", e.Action)
	}
	return fmt.Sprintf("not allowed to %s: %s", e.Action, e.Reason)
}

// RequireRole fails unless the identity holds one of roles.
func RequireRole(id Identity, action string, roles ...Role) error {
	if id.ActorID == "" {
		return ForbiddenError{Action: action, Reason: "no identity"}
	}
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return ForbiddenError{Action: action, Reason: fmt.Sprintf("role %s", id.Role)}
}

// RequireActor fails unless the identity holds role and is the given actor.
func RequireActor(id Identity, action string, role Role, actorID string) error {
	if err := RequireRole(id, action, role); err != nil {
		return err
	}
	if id.ActorID != actorID {
		return ForbiddenError{Action: action, Reason: fmt.Sprintf("%s is not %s", id.ActorID, actorID)}
	}
	return nil
}

// IsStaff reports whether the identity acts for the shop rather than a customer.
func (id Identity) IsStaff() bool {
	return id.Role == RoleManager || id.Role == RoleAdmin
}

// RequireOwnerOrStaff lets a customer act on its own records and staff act on anyone's.
func RequireOwnerOrStaff(id Identity, action, ownerID string) error {
	if id.IsStaff() && id.ActorID != "" {
		return nil
	}
	return RequireActor(id, action, RoleCustomer, ownerID)
}
