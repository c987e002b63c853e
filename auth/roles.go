package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is an identity's privilege level. Roles are totally ordered.
type Role string

const (
	RoleGuest      Role = "guest"
	RoleMember     Role = "member"
	RoleSecretary  Role = "secretary"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

var roleRank = map[Role]int{
	RoleGuest:      0,
	RoleMember:     1,
	RoleSecretary:  2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// Roles returns every role in ascending order of privilege.
func Roles() []Role {
	return []Role{RoleGuest, RoleMember, RoleSecretary, RoleAdmin, RoleSuperAdmin}
}

// ParseRole validates s against the closed role set.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants at least the privileges of min. Unknown
// roles grant nothing.
func (r Role) AtLeast(min Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	want, ok := roleRank[min]
	if !ok {
		return false
	}
	return have >= want
}

const DefaultGracePeriod = 7 * 24 * time.Hour

// Policy holds the mandatory two-factor rules.
type Policy struct {
	// MandatoryTwoFactorRoles lists roles that must enable 2FA once their
	// grace period ends.
	MandatoryTwoFactorRoles []Role
	GracePeriod             time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MandatoryTwoFactorRoles: []Role{RoleAdmin, RoleSuperAdmin},
		GracePeriod:             DefaultGracePeriod,
	}
}

// RequiresTwoFactor reports whether role is subject to mandatory 2FA.
func (p Policy) RequiresTwoFactor(role Role) bool {
	return slices.Contains(p.MandatoryTwoFactorRoles, role)
}
