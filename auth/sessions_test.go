package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/storage"
	"github.com/goldencompasses/lodge/storage/memory"
)

func newTestSessions(t *testing.T) (*SessionManager, *memory.Repository, *fakeClock) {
	t.Helper()
	repo := memory.NewRepository()
	for _, id := range []string{"id-1", "id-2"} {
		require.NoError(t, repo.CreateIdentity(context.Background(), &storage.Identity{ID: id, Email: id + "@example.org", Active: true}))
	}
	clock := newFakeClock()
	return NewSessionManager(repo, clock.Now, nil), repo, clock
}

func TestSessionIssueValidate(t *testing.T) {
	ctx := context.Background()
	m, repo, clock := newTestSessions(t)

	token, sess, err := m.Issue(ctx, "id-1", time.Hour, "203.0.113.9")
	require.NoError(t, err)
	assert.Len(t, token, 43, "32 bytes of base64url")
	assert.Equal(t, clock.Now().Add(time.Hour), sess.ExpiresAt)
	assert.NotEqual(t, token, sess.TokenHash)

	stored, err := repo.GetSessionByTokenHash(ctx, HashToken(token))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, stored.ID)

	got, err := m.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.IdentityID)

	clock.Advance(time.Hour - time.Nanosecond)
	_, err = m.Validate(ctx, token)
	assert.NoError(t, err)

	clock.Advance(time.Nanosecond)
	_, err = m.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrSessionInvalid, "expiry is a hard cutoff")

	_, err = repo.GetSessionByTokenHash(ctx, HashToken(token))
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired session is removed on sight")
}

func TestSessionValidateRejectsUnknown(t *testing.T) {
	m, _, _ := newTestSessions(t)
	_, err := m.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = m.Validate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSessionIssueRejectsNonPositiveTTL(t *testing.T) {
	m, _, _ := newTestSessions(t)
	_, _, err := m.Issue(context.Background(), "id-1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSessionTokensAreUnique(t *testing.T) {
	m, _, _ := newTestSessions(t)
	seen := map[string]bool{}
	for range 50 {
		token, _, err := m.Issue(context.Background(), "id-1", time.Hour, "")
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}

func TestSessionRevokeIsolation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestSessions(t)

	tokenA, sessA, err := m.Issue(ctx, "id-1", time.Hour, "")
	require.NoError(t, err)
	tokenB, _, err := m.Issue(ctx, "id-1", time.Hour, "")
	require.NoError(t, err)
	tokenC, _, err := m.Issue(ctx, "id-2", time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, sessA.ID))
	_, err = m.Validate(ctx, tokenA)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = m.Validate(ctx, tokenB)
	assert.NoError(t, err, "sibling session survives")

	assert.ErrorIs(t, m.Revoke(ctx, sessA.ID), ErrSessionInvalid)

	tokenD, _, err := m.Issue(ctx, "id-1", time.Hour, "")
	require.NoError(t, err)
	n, err := m.RevokeAll(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, tok := range []string{tokenB, tokenD} {
		_, err = m.Validate(ctx, tok)
		assert.ErrorIs(t, err, ErrSessionInvalid)
	}
	_, err = m.Validate(ctx, tokenC)
	assert.NoError(t, err, "other identities are untouched")

	list, err := m.List(ctx, "id-2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSessionSweep(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestSessions(t)

	_, _, err := m.Issue(ctx, "id-1", time.Minute, "")
	require.NoError(t, err)
	live, _, err := m.Issue(ctx, "id-1", time.Hour, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Validate(ctx, live)
	assert.NoError(t, err)
}
