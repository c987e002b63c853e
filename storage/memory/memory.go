// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/goldencompasses/lodge/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu         sync.RWMutex
	identities map[string]*storage.Identity
	emails     map[string]string
	twoFactor  map[string]*storage.TwoFactorConfig
	sessions   map[string]*storage.Session
	tokens     map[string]string
	counters   map[string]storage.Counter
	events     []storage.SecurityEvent
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		identities: make(map[string]*storage.Identity),
		emails:     make(map[string]string),
		twoFactor:  make(map[string]*storage.TwoFactorConfig),
		sessions:   make(map[string]*storage.Session),
		tokens:     make(map[string]string),
		counters:   make(map[string]storage.Counter),
	}
}

func (r *Repository) Close() error { return nil }

func cloneIdentity(i *storage.Identity) *storage.Identity {
	cp := *i
	if i.LastLoginAt != nil {
		t := *i.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}

func cloneTwoFactor(c *storage.TwoFactorConfig) *storage.TwoFactorConfig {
	cp := *c
	cp.BackupCodes = slices.Clone(c.BackupCodes)
	if c.GracePeriodEnds != nil {
		t := *c.GracePeriodEnds
		cp.GracePeriodEnds = &t
	}
	return &cp
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

func (r *Repository) CreateIdentity(_ context.Context, identity *storage.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[identity.ID]; ok {
		return storage.ErrConflict
	}
	if _, ok := r.emails[identity.Email]; ok {
		return storage.ErrConflict
	}
	r.identities[identity.ID] = cloneIdentity(identity)
	r.emails[identity.Email] = identity.ID
	return nil
}

func (r *Repository) GetIdentity(_ context.Context, id string) (*storage.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (r *Repository) GetIdentityByEmail(ctx context.Context, email string) (*storage.Identity, error) {
	r.mu.RLock()
	id, ok := r.emails[email]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.GetIdentity(ctx, id)
}

func (r *Repository) UpdateIdentity(_ context.Context, identity *storage.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.identities[identity.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Email != identity.Email {
		if _, taken := r.emails[identity.Email]; taken {
			return storage.ErrConflict
		}
		delete(r.emails, existing.Email)
		r.emails[identity.Email] = identity.ID
	}
	r.identities[identity.ID] = cloneIdentity(identity)
	return nil
}

func (r *Repository) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[id]
	if !ok {
		return storage.ErrNotFound
	}
	identity.LastLoginAt = &at
	return nil
}

func (r *Repository) DeleteIdentity(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.deleteSessionsLocked(id)
	delete(r.twoFactor, id)
	delete(r.emails, identity.Email)
	delete(r.identities, id)
	return nil
}

func (r *Repository) ListIdentities(_ context.Context) ([]storage.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]storage.Identity, 0, len(r.identities))
	for _, identity := range r.identities {
		out = append(out, *cloneIdentity(identity))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// ---------------------------------------------------------------------------
// Two-factor configuration
// ---------------------------------------------------------------------------

func (r *Repository) GetTwoFactor(_ context.Context, identityID string) (*storage.TwoFactorConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.twoFactor[identityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTwoFactor(cfg), nil
}

func (r *Repository) PutTwoFactor(_ context.Context, cfg *storage.TwoFactorConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[cfg.IdentityID]; !ok {
		return storage.ErrNotFound
	}
	r.twoFactor[cfg.IdentityID] = cloneTwoFactor(cfg)
	return nil
}

func (r *Repository) ConsumeBackupCode(_ context.Context, identityID, codeHash string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.twoFactor[identityID]
	if !ok {
		return 0, false, nil
	}
	idx := slices.Index(cfg.BackupCodes, codeHash)
	if idx < 0 {
		return len(cfg.BackupCodes), false, nil
	}
	cfg.BackupCodes = slices.Delete(cfg.BackupCodes, idx, idx+1)
	return len(cfg.BackupCodes), true, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (r *Repository) CreateSession(_ context.Context, session *storage.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[session.IdentityID]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := r.tokens[session.TokenHash]; ok {
		return storage.ErrConflict
	}
	if _, ok := r.sessions[session.ID]; ok {
		return storage.ErrConflict
	}
	cp := *session
	r.sessions[session.ID] = &cp
	r.tokens[session.TokenHash] = session.ID
	return nil
}

func (r *Repository) GetSessionByTokenHash(_ context.Context, tokenHash string) (*storage.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r.sessions[id]
	return &cp, nil
}

func (r *Repository) ListSessions(_ context.Context, identityID string) ([]storage.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []storage.Session
	for _, s := range r.sessions {
		if s.IdentityID == identityID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(r.tokens, s.TokenHash)
	delete(r.sessions, id)
	return nil
}

func (r *Repository) DeleteSessionsForIdentity(_ context.Context, identityID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteSessionsLocked(identityID), nil
}

func (r *Repository) deleteSessionsLocked(identityID string) int {
	n := 0
	for id, s := range r.sessions {
		if s.IdentityID == identityID {
			delete(r.tokens, s.TokenHash)
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *Repository) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(r.tokens, s.TokenHash)
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Rate-limit counters
// ---------------------------------------------------------------------------

func (r *Repository) Increment(_ context.Context, key string, window time.Duration, now time.Time) (storage.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[key]
	if !ok {
		c = storage.Counter{Key: key}
	}
	c = c.Advance(now, window)
	r.counters[key] = c
	return c, nil
}

func (r *Repository) DeleteStaleCounters(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, c := range r.counters {
		if !c.WindowStart.After(before) {
			delete(r.counters, key)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Security events
// ---------------------------------------------------------------------------

func (r *Repository) AppendEvent(_ context.Context, event *storage.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := ""
	if n := len(r.events); n > 0 {
		prev = r.events[n-1].Hash
	}
	event.Seq = uint64(len(r.events) + 1)
	storage.Link(event, prev)
	r.events = append(r.events, *event)
	return nil
}

func (r *Repository) ListEvents(_ context.Context, filter storage.EventFilter) ([]storage.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []storage.SecurityEvent
	for i := range r.events {
		if filter.Matches(&r.events[i]) {
			out = append(out, r.events[i])
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}
