// Package storage defines the persistence layer for identities, two-factor
// configuration, sessions, rate-limit counters and the security event log.
//
// Every method that performs a read-modify-write (counter increment, backup
// code consumption, identity deletion) is atomic within the backend so that
// concurrent requests handled by different server instances cannot
// double-spend or under-count.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint (email, token) would be violated.
	ErrConflict = errors.New("already exists")
)

// Identity is a principal that can authenticate.
type Identity struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	Role         string     `json:"role"`
	Active       bool       `json:"active"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// TwoFactorConfig is the per-identity second factor state. Secret is sealed
// by the caller; BackupCodes holds hashes of the unused codes only.
type TwoFactorConfig struct {
	IdentityID      string     `json:"identity_id"`
	Enabled         bool       `json:"enabled"`
	Secret          string     `json:"secret,omitempty"`
	BackupCodes     []string   `json:"backup_codes,omitempty"`
	GracePeriodEnds *time.Time `json:"grace_period_ends,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Session is one authenticated client context. Only the hash of the bearer
// token is persisted.
type Session struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	TokenHash  string    `json:"token_hash"`
	ClientIP   string    `json:"client_ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Counter is the attempt count for one rate-limit key within its window.
type Counter struct {
	Key         string    `json:"key"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// SecurityEvent is an append-only audit record. Seq, PrevHash and Hash are
// assigned by the store on append.
type SecurityEvent struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	ClientIP   string    `json:"client_ip,omitempty"`
	Kind       string    `json:"kind"`
	IdentityID string    `json:"identity_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// EventFilter narrows ListEvents. Zero fields match everything. When Limit
// is positive only the most recent Limit matches are returned.
type EventFilter struct {
	Kind       string
	IdentityID string
	Since      time.Time
	Limit      int
}

// Matches reports whether e passes the Kind, IdentityID and Since filters.
func (f EventFilter) Matches(e *SecurityEvent) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.IdentityID != "" && e.IdentityID != f.IdentityID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

type IdentityStore interface {
	// CreateIdentity returns ErrConflict when the email is already taken.
	CreateIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	// GetIdentityByEmail expects the email in folded form.
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	UpdateIdentity(ctx context.Context, identity *Identity) error
	// TouchLastLogin sets LastLoginAt alone, leaving concurrent changes to
	// role, status and password intact.
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	// DeleteIdentity removes the identity together with its sessions and
	// two-factor configuration.
	DeleteIdentity(ctx context.Context, id string) error
	ListIdentities(ctx context.Context) ([]Identity, error)
}

type TwoFactorStore interface {
	GetTwoFactor(ctx context.Context, identityID string) (*TwoFactorConfig, error)
	// PutTwoFactor replaces the configuration, including the backup code set.
	PutTwoFactor(ctx context.Context, cfg *TwoFactorConfig) error
	// ConsumeBackupCode atomically removes codeHash from the identity's set.
	// ok is true only for the caller that removed it.
	ConsumeBackupCode(ctx context.Context, identityID, codeHash string) (remaining int, ok bool, err error)
}

type SessionStore interface {
	// CreateSession returns ErrConflict if the token hash is already in use.
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	ListSessions(ctx context.Context, identityID string) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsForIdentity(ctx context.Context, identityID string) (int, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

type CounterStore interface {
	// Increment records one attempt against key and returns the resulting
	// counter. The window restarts at now once it is window old.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error)
	// DeleteStaleCounters removes counters whose window started at or before
	// before and reports how many were removed.
	DeleteStaleCounters(ctx context.Context, before time.Time) (int, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, event *SecurityEvent) error
	// ListEvents returns matching events in append order.
	ListEvents(ctx context.Context, filter EventFilter) ([]SecurityEvent, error)
}

// Repository is the full persistence surface used by the auth service.
type Repository interface {
	IdentityStore
	TwoFactorStore
	SessionStore
	CounterStore
	EventStore
	Close() error
}
