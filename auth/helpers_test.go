package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/storage"
	"github.com/goldencompasses/lodge/storage/memory"
)

// testArgon2 keeps key derivation cheap in tests.
var testArgon2 = util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, SaltLen: 16, KeyLen: 32}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	svc   *Service
	repo  *memory.Repository
	clock *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	repo := memory.NewRepository()
	clock := newFakeClock()
	keys, err := GenerateKeyring()
	require.NoError(t, err)
	base := []Option{WithClock(clock.Now), WithArgon2Params(testArgon2)}
	svc, err := NewService(repo, keys, append(base, opts...)...)
	require.NoError(t, err)
	return &testEnv{svc: svc, repo: repo, clock: clock}
}

const testPassword = "correct horse battery"

func (e *testEnv) createIdentity(t *testing.T, email string, role Role) *storage.Identity {
	t.Helper()
	identity, err := e.svc.CreateIdentity(context.Background(), nil, CreateIdentityRequest{
		Email:       email,
		DisplayName: "Test " + string(role),
		Role:        string(role),
		Password:    testPassword,
	}, "127.0.0.1")
	require.NoError(t, err)
	return identity
}

func (e *testEnv) events(t *testing.T, kind EventKind) []storage.SecurityEvent {
	t.Helper()
	events, err := e.repo.ListEvents(context.Background(), storage.EventFilter{Kind: string(kind)})
	require.NoError(t, err)
	return events
}

func (e *testEnv) eventCount(t *testing.T) int {
	t.Helper()
	events, err := e.repo.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	return len(events)
}

// login signs identity in with the test password and requires a session.
func (e *testEnv) login(t *testing.T, email, ip string) *LoginResult {
	t.Helper()
	res, err := e.svc.Login(context.Background(), LoginRequest{Email: email, Password: testPassword, ClientIP: ip})
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, res.State)
	require.NotEmpty(t, res.Token)
	return res
}

// enableTwoFactor runs setup and enable for a signed-in identity and
// returns the secret and plaintext backup codes.
func (e *testEnv) enableTwoFactor(t *testing.T, token string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	actor, err := e.svc.ResolveActor(ctx, token, "127.0.0.1")
	require.NoError(t, err)
	setup, err := e.svc.SetupTwoFactor(ctx, actor, "127.0.0.1")
	require.NoError(t, err)
	code, err := CodeAt(setup.Secret, e.clock.Now())
	require.NoError(t, err)
	_, err = e.svc.EnableTwoFactor(ctx, actor, EnableRequest{
		Secret:      setup.Secret,
		Code:        code,
		BackupCodes: setup.BackupCodes,
	}, "127.0.0.1")
	require.NoError(t, err)
	return setup.Secret, setup.BackupCodes
}

// failingCounters is a CounterStore whose backend is down.
type failingCounters struct{}

func (failingCounters) Increment(context.Context, string, time.Duration, time.Time) (storage.Counter, error) {
	return storage.Counter{}, errBackendDown
}

func (failingCounters) DeleteStaleCounters(context.Context, time.Time) (int, error) {
	return 0, errBackendDown
}

var errBackendDown = errors.New("connection refused")
