package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/internal/uuid"
	"github.com/goldencompasses/lodge/storage"
)

const (
	// sessionTokenBytes gives 256 bits of entropy per token.
	sessionTokenBytes = 32
	// DefaultSessionTTL is the absolute lifetime of an issued session.
	DefaultSessionTTL = 12 * time.Hour
	// DefaultSweepInterval is how often expired sessions and stale
	// rate-limit counters are purged.
	DefaultSweepInterval = 5 * time.Minute
)

// HashToken returns the hex SHA-256 of a bearer token, the only form in
// which tokens are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionManager issues and validates opaque bearer tokens.
type SessionManager struct {
	store  storage.SessionStore
	now    func() time.Time
	logger *slog.Logger
}

func NewSessionManager(store storage.SessionStore, now func() time.Time, logger *slog.Logger) *SessionManager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{store: store, now: now, logger: logger}
}

// Issue creates a session for identityID expiring ttl from now and returns
// the bearer token. The token is returned exactly once.
func (m *SessionManager) Issue(ctx context.Context, identityID string, ttl time.Duration, clientIP string) (string, *storage.Session, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("%w: session ttl must be positive", ErrInvalidInput)
	}
	token, err := util.RandomToken(sessionTokenBytes)
	if err != nil {
		return "", nil, err
	}
	now := m.now()
	sess := &storage.Session{
		ID:         uuid.New(),
		IdentityID: identityID,
		TokenHash:  HashToken(token),
		ClientIP:   clientIP,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("creating session: %w", err)
	}
	return token, sess, nil
}

// Validate returns the session bound to token. Missing, unknown and expired
// tokens all yield ErrSessionInvalid; expiry is a hard cutoff.
func (m *SessionManager) Validate(ctx context.Context, token string) (*storage.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}
	sess, err := m.store.GetSessionByTokenHash(ctx, HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if !m.now().Before(sess.ExpiresAt) {
		if err := m.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("failed to delete expired session", "session_id", sess.ID, "error", err)
		}
		return nil, ErrSessionInvalid
	}
	return sess, nil
}

// Revoke deletes one session. Siblings are untouched.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	err := m.store.DeleteSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSessionInvalid
	}
	return err
}

// RevokeAll deletes every session owned by identityID.
func (m *SessionManager) RevokeAll(ctx context.Context, identityID string) (int, error) {
	return m.store.DeleteSessionsForIdentity(ctx, identityID)
}

func (m *SessionManager) List(ctx context.Context, identityID string) ([]storage.Session, error) {
	return m.store.ListSessions(ctx, identityID)
}

// Sweep deletes every expired session.
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSessions(ctx, m.now())
}
