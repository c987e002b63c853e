package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/storage"
)

func TestCreateIdentityValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  CreateIdentityRequest
	}{
		{"bad email", CreateIdentityRequest{Email: "not-an-email", Role: "member", Password: testPassword}},
		{"display form", CreateIdentityRequest{Email: "Bob <bob@example.org>", Role: "member", Password: testPassword}},
		{"bad role", CreateIdentityRequest{Email: "bob@example.org", Role: "grand_master", Password: testPassword}},
		{"short password", CreateIdentityRequest{Email: "bob@example.org", Role: "member", Password: "123456789"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateIdentity(ctx, nil, tc.req, "")
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, env.eventCount(t))
}

func TestCreateIdentityDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.createIdentity(t, "bob@example.org", RoleMember)
	_, err := env.svc.CreateIdentity(context.Background(), nil, CreateIdentityRequest{
		Email: "BOB@example.org", Role: "member", Password: testPassword,
	}, "")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestCreateIdentityRecordsActor(t *testing.T) {
	env := newTestEnv(t)
	env.createIdentity(t, "bob@example.org", RoleMember)
	created := env.events(t, EventIdentityCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "by=cli role=member", created[0].Detail)

	cfg, err := env.repo.GetTwoFactor(context.Background(), created[0].IdentityID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "members get no grace period")
	assert.Nil(t, cfg)
}

func TestAdminCannotGrantAboveOwnRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createIdentity(t, "admin@example.org", RoleAdmin)
	member := env.createIdentity(t, "member@example.org", RoleMember)
	res := env.login(t, "admin@example.org", "198.51.100.1")
	admin, err := env.svc.Authenticate(ctx, res.Token, "198.51.100.1")
	require.NoError(t, err)

	_, err = env.svc.CreateIdentity(ctx, admin, CreateIdentityRequest{
		Email: "root@example.org", Role: "super_admin", Password: testPassword,
	}, "198.51.100.1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, env.svc.SetRole(ctx, admin, member.ID, "super_admin", "198.51.100.1"), ErrForbidden)
	assert.Len(t, env.events(t, EventAccessDenied), 2)

	_, err = env.svc.CreateIdentity(ctx, admin, CreateIdentityRequest{
		Email: "sec@example.org", Role: "secretary", Password: testPassword,
	}, "198.51.100.1")
	require.NoError(t, err)
	created := env.events(t, EventIdentityCreated)
	assert.Equal(t, "by="+admin.Identity.ID+" role=secretary", created[len(created)-1].Detail)
}

func TestPromotionStartsGracePeriod(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	member := env.createIdentity(t, "member@example.org", RoleMember)

	env.clock.Advance(DefaultGracePeriod * 2)
	require.NoError(t, env.svc.SetRole(ctx, nil, member.ID, "Admin", ""))

	cfg, err := env.repo.GetTwoFactor(ctx, member.ID)
	require.NoError(t, err)
	require.NotNil(t, cfg.GracePeriodEnds)
	assert.Equal(t, env.clock.Now().Add(DefaultGracePeriod), *cfg.GracePeriodEnds)

	updated, err := env.svc.FindIdentity(ctx, "MEMBER@example.org")
	require.NoError(t, err)
	assert.Equal(t, "admin", updated.Role)
	env.login(t, "member@example.org", "198.51.100.1")
}

func TestDeleteIdentity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	member := env.createIdentity(t, "member@example.org", RoleMember)
	res := env.login(t, "member@example.org", "198.51.100.1")

	require.NoError(t, env.svc.DeleteIdentity(ctx, nil, member.ID, ""))
	_, err := env.svc.Authenticate(ctx, res.Token, "198.51.100.1")
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = env.svc.FindIdentity(ctx, member.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, env.svc.DeleteIdentity(ctx, nil, member.ID, ""), storage.ErrNotFound)

	list, err := env.svc.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
