package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, r := range Roles() {
		got, err := ParseRole(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	got, err := ParseRole("  Admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, got)

	_, err = ParseRole("grand_master")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		have, min Role
		want      bool
	}{
		{RoleSuperAdmin, RoleAdmin, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleSecretary, RoleAdmin, false},
		{RoleMember, RoleGuest, true},
		{RoleGuest, RoleMember, false},
		{Role("root"), RoleGuest, false},
		{RoleAdmin, Role("root"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.have.AtLeast(tt.min), "%s >= %s", tt.have, tt.min)
	}
}

func TestPolicyRequiresTwoFactor(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.RequiresTwoFactor(RoleAdmin))
	assert.True(t, p.RequiresTwoFactor(RoleSuperAdmin))
	assert.False(t, p.RequiresTwoFactor(RoleSecretary))
	assert.False(t, p.RequiresTwoFactor(RoleMember))
	assert.Equal(t, DefaultGracePeriod, p.GracePeriod)

	p.MandatoryTwoFactorRoles = []Role{RoleSecretary}
	assert.True(t, p.RequiresTwoFactor(RoleSecretary))
	assert.False(t, p.RequiresTwoFactor(RoleAdmin))
}
