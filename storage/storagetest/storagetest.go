// Package storagetest holds the behaviour every storage.Repository backend
// must satisfy. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/storage"
)

// Run exercises repo against the full Repository contract. newRepo must
// return an empty repository each time it is called.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Run("Identities", func(t *testing.T) { identityTests(t, newRepo(t)) })
	t.Run("TwoFactor", func(t *testing.T) { twoFactorTests(t, newRepo(t)) })
	t.Run("Sessions", func(t *testing.T) { sessionTests(t, newRepo(t)) })
	t.Run("Counters", func(t *testing.T) { counterTests(t, newRepo(t)) })
	t.Run("Events", func(t *testing.T) { eventTests(t, newRepo(t)) })
	t.Run("Cascade", func(t *testing.T) { cascadeTests(t, newRepo(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIdentity(id, email string) *storage.Identity {
	return &storage.Identity{
		ID:           id,
		Email:        email,
		DisplayName:  "Brother " + id,
		Role:         "member",
		Active:       true,
		PasswordHash: "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$a2V5",
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

func identityTests(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("id-1", "one@example.org")))
	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("id-2", "two@example.org")))

	err := repo.CreateIdentity(ctx, newIdentity("id-3", "one@example.org"))
	assert.ErrorIs(t, err, storage.ErrConflict, "duplicate email must conflict")

	got, err := repo.GetIdentity(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "one@example.org", got.Email)
	assert.True(t, got.Active)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.LastLoginAt)

	got, err = repo.GetIdentityByEmail(ctx, "two@example.org")
	require.NoError(t, err)
	assert.Equal(t, "id-2", got.ID)

	_, err = repo.GetIdentity(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetIdentityByEmail(ctx, "missing@example.org")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	login := base.Add(time.Hour)
	got.Role = "admin"
	got.Email = "two-renamed@example.org"
	got.LastLoginAt = &login
	require.NoError(t, repo.UpdateIdentity(ctx, got))

	got, err = repo.GetIdentityByEmail(ctx, "two-renamed@example.org")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Role)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, got.LastLoginAt.Equal(login))
	_, err = repo.GetIdentityByEmail(ctx, "two@example.org")
	assert.ErrorIs(t, err, storage.ErrNotFound, "old email must no longer resolve")

	got.Email = "one@example.org"
	assert.ErrorIs(t, repo.UpdateIdentity(ctx, got), storage.ErrConflict)

	assert.ErrorIs(t, repo.UpdateIdentity(ctx, newIdentity("missing", "x@example.org")), storage.ErrNotFound)

	t.Run("TouchLastLogin", func(t *testing.T) {
		stale, err := repo.GetIdentity(ctx, "id-1")
		require.NoError(t, err)

		current := *stale
		current.Active = false
		current.Role = "guest"
		require.NoError(t, repo.UpdateIdentity(ctx, &current))

		seen := base.Add(2 * time.Hour)
		require.NoError(t, repo.TouchLastLogin(ctx, stale.ID, seen))

		got, err := repo.GetIdentity(ctx, "id-1")
		require.NoError(t, err)
		require.NotNil(t, got.LastLoginAt)
		assert.True(t, got.LastLoginAt.Equal(seen))
		assert.False(t, got.Active, "touch must not restore other columns")
		assert.Equal(t, "guest", got.Role)

		assert.ErrorIs(t, repo.TouchLastLogin(ctx, "missing", seen), storage.ErrNotFound)

		current.Active = true
		current.Role = "member"
		current.LastLoginAt = &seen
		require.NoError(t, repo.UpdateIdentity(ctx, &current))
	})

	list, err := repo.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "one@example.org", list[0].Email)
	assert.Equal(t, "two-renamed@example.org", list[1].Email)

	require.NoError(t, repo.DeleteIdentity(ctx, "id-1"))
	assert.ErrorIs(t, repo.DeleteIdentity(ctx, "id-1"), storage.ErrNotFound)
	_, err = repo.GetIdentityByEmail(ctx, "one@example.org")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Email is free again after deletion.
	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("id-4", "one@example.org")))
}

func twoFactorTests(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("id-1", "one@example.org")))

	_, err := repo.GetTwoFactor(ctx, "id-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	grace := base.Add(7 * 24 * time.Hour)
	cfg := &storage.TwoFactorConfig{
		IdentityID:      "id-1",
		Enabled:         true,
		Secret:          "sealed-secret",
		BackupCodes:     []string{"h1", "h2", "h3"},
		GracePeriodEnds: &grace,
		UpdatedAt:       base,
	}
	require.NoError(t, repo.PutTwoFactor(ctx, cfg))

	got, err := repo.GetTwoFactor(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "sealed-secret", got.Secret)
	assert.ElementsMatch(t, []string{"h1", "h2", "h3"}, got.BackupCodes)
	require.NotNil(t, got.GracePeriodEnds)
	assert.True(t, got.GracePeriodEnds.Equal(grace))

	assert.ErrorIs(t, repo.PutTwoFactor(ctx, &storage.TwoFactorConfig{IdentityID: "missing"}), storage.ErrNotFound)

	remaining, ok, err := repo.ConsumeBackupCode(ctx, "id-1", "h2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, remaining)

	remaining, ok, err = repo.ConsumeBackupCode(ctx, "id-1", "h2")
	require.NoError(t, err)
	assert.False(t, ok, "a consumed code must not be accepted twice")
	assert.Equal(t, 2, remaining)

	_, ok, err = repo.ConsumeBackupCode(ctx, "missing", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Replacing the configuration replaces the code set.
	cfg.BackupCodes = []string{"n1"}
	cfg.GracePeriodEnds = nil
	require.NoError(t, repo.PutTwoFactor(ctx, cfg))
	got, err = repo.GetTwoFactor(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, got.BackupCodes)
	assert.Nil(t, got.GracePeriodEnds)

	_, ok, err = repo.ConsumeBackupCode(ctx, "id-1", "h1")
	require.NoError(t, err)
	assert.False(t, ok, "codes from the old set must be gone")

	t.Run("ConcurrentConsume", func(t *testing.T) {
		cfg.BackupCodes = []string{"race"}
		require.NoError(t, repo.PutTwoFactor(ctx, cfg))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := repo.ConsumeBackupCode(ctx, "id-1", "race")
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func newSession(id, identityID, hash string, created time.Time, ttl time.Duration) *storage.Session {
	return &storage.Session{
		ID:         id,
		IdentityID: identityID,
		TokenHash:  hash,
		ClientIP:   "198.51.100.7",
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
	}
}

func sessionTests(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("id-1", "one@example.org")))
	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("id-2", "two@example.org")))

	require.NoError(t, repo.CreateSession(ctx, newSession("s1", "id-1", "hash-1", base, time.Hour)))
	require.NoError(t, repo.CreateSession(ctx, newSession("s2", "id-1", "hash-2", base.Add(time.Minute), 2*time.Hour)))
	require.NoError(t, repo.CreateSession(ctx, newSession("s3", "id-2", "hash-3", base, time.Hour)))

	assert.ErrorIs(t, repo.CreateSession(ctx, newSession("s4", "id-2", "hash-1", base, time.Hour)), storage.ErrConflict)
	assert.ErrorIs(t, repo.CreateSession(ctx, newSession("s5", "missing", "hash-5", base, time.Hour)), storage.ErrNotFound)

	got, err := repo.GetSessionByTokenHash(ctx, "hash-2")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.ID)
	assert.Equal(t, "id-1", got.IdentityID)
	assert.True(t, got.ExpiresAt.Equal(base.Add(time.Minute+2*time.Hour)))

	_, err = repo.GetSessionByTokenHash(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := repo.ListSessions(ctx, "id-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, "s2", list[1].ID)

	require.NoError(t, repo.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, repo.DeleteSession(ctx, "s1"), storage.ErrNotFound)
	_, err = repo.GetSessionByTokenHash(ctx, "hash-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := repo.DeleteExpiredSessions(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only s3 has expired")
	_, err = repo.GetSessionByTokenHash(ctx, "hash-3")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.CreateSession(ctx, newSession("s6", "id-1", "hash-6", base, time.Hour)))
	n, err = repo.DeleteSessionsForIdentity(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	list, err = repo.ListSessions(ctx, "id-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func counterTests(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	window := 15 * time.Minute

	for i := 1; i <= 3; i++ {
		c, err := repo.Increment(ctx, "login:203.0.113.9", window, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, i, c.Count)
		assert.True(t, c.WindowStart.Equal(base.Add(time.Minute)), "window is anchored at the first attempt")
	}

	other, err := repo.Increment(ctx, "login:203.0.113.10", window, base)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Count, "keys are independent")

	c, err := repo.Increment(ctx, "login:203.0.113.9", window, base.Add(time.Minute+window))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count, "counter resets once the window has elapsed")
	assert.True(t, c.WindowStart.Equal(base.Add(time.Minute+window)))

	t.Run("DeleteStale", func(t *testing.T) {
		_, err := repo.Increment(ctx, "2fa:fresh", window, base.Add(3*time.Hour))
		require.NoError(t, err)
		n, err := repo.DeleteStaleCounters(ctx, base.Add(time.Minute+window))
		require.NoError(t, err)
		assert.Equal(t, 2, n, "both login counters started at or before the cutoff")

		c, err := repo.Increment(ctx, "login:203.0.113.10", window, base.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, c.Count, "purged counter starts over")
		c, err = repo.Increment(ctx, "2fa:fresh", window, base.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, c.Count, "live counter survives")
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = repo.Increment(ctx, "download:concurrent", time.Hour, base)
			}()
		}
		wg.Wait()
		c, err := repo.Increment(ctx, "download:concurrent", time.Hour, base)
		require.NoError(t, err)
		assert.Equal(t, 21, c.Count)
	})
}

func eventTests(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	kinds := []string{"LOGIN_FAILED", "LOGIN_FAILED", "LOGIN_SUCCESS", "LOGOUT"}
	for i, kind := range kinds {
		e := &storage.SecurityEvent{
			ID:         fmt.Sprintf("evt-%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			ClientIP:   "203.0.113.9",
			Kind:       kind,
			IdentityID: "id-1",
			Detail:     "attempt",
		}
		require.NoError(t, repo.AppendEvent(ctx, e))
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NotEmpty(t, e.Hash)
	}

	all, err := repo.ListEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, storage.GenesisHash, all[0].PrevHash)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].Hash, all[i].PrevHash)
		assert.Less(t, all[i-1].Seq, all[i].Seq)
	}
	require.NoError(t, storage.VerifyChain(all))

	failed, err := repo.ListEvents(ctx, storage.EventFilter{Kind: "LOGIN_FAILED"})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	recent, err := repo.ListEvents(ctx, storage.EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "LOGIN_SUCCESS", recent[0].Kind)
	assert.Equal(t, "LOGOUT", recent[1].Kind)

	since, err := repo.ListEvents(ctx, storage.EventFilter{Since: base.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	none, err := repo.ListEvents(ctx, storage.EventFilter{IdentityID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func cascadeTests(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("id-1", "one@example.org")))
	require.NoError(t, repo.PutTwoFactor(ctx, &storage.TwoFactorConfig{
		IdentityID:  "id-1",
		Enabled:     true,
		Secret:      "sealed",
		BackupCodes: []string{"h1"},
		UpdatedAt:   base,
	}))
	require.NoError(t, repo.CreateSession(ctx, newSession("s1", "id-1", "hash-1", base, time.Hour)))

	require.NoError(t, repo.DeleteIdentity(ctx, "id-1"))

	_, err := repo.GetTwoFactor(ctx, "id-1")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "two-factor config must be removed with the identity")
	_, err = repo.GetSessionByTokenHash(ctx, "hash-1")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "sessions must be removed with the identity")
}
