// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/goldencompasses/lodge/storage"
)

var (
	bucketIdentities = []byte("identities")
	bucketEmails     = []byte("identity_emails")
	bucketTwoFactor  = []byte("two_factor")
	bucketSessions   = []byte("sessions")
	bucketTokens     = []byte("session_tokens")
	bucketCounters   = []byte("rate_limit_counters")
	bucketEvents     = []byte("security_events")
)

var allBuckets = [][]byte{
	bucketIdentities, bucketEmails, bucketTwoFactor, bucketSessions,
	bucketTokens, bucketCounters, bucketEvents,
}

// Store implements storage.Repository backed by a BBolt database.
// Every mutation runs in a single read-write transaction, which bbolt
// serializes, so read-modify-write operations are atomic.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database,
// creating the buckets it needs.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(b *bbolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

func (s *Store) CreateIdentity(_ context.Context, identity *storage.Identity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids, emails := tx.Bucket(bucketIdentities), tx.Bucket(bucketEmails)
		if ids.Get([]byte(identity.ID)) != nil || emails.Get([]byte(identity.Email)) != nil {
			return fmt.Errorf("identity %s: %w", identity.Email, storage.ErrConflict)
		}
		if err := emails.Put([]byte(identity.Email), []byte(identity.ID)); err != nil {
			return err
		}
		return putJSON(ids, []byte(identity.ID), identity)
	})
}

func (s *Store) GetIdentity(_ context.Context, id string) (*storage.Identity, error) {
	var identity storage.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketIdentities), []byte(id), &identity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (*storage.Identity, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEmails).Get([]byte(email))
		if v == nil {
			return fmt.Errorf("identity %s: %w", email, storage.ErrNotFound)
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetIdentity(ctx, id)
}

func (s *Store) UpdateIdentity(_ context.Context, identity *storage.Identity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids, emails := tx.Bucket(bucketIdentities), tx.Bucket(bucketEmails)
		var existing storage.Identity
		ok, err := getJSON(ids, []byte(identity.ID), &existing)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("identity %s: %w", identity.ID, storage.ErrNotFound)
		}
		if existing.Email != identity.Email {
			if emails.Get([]byte(identity.Email)) != nil {
				return fmt.Errorf("identity %s: %w", identity.Email, storage.ErrConflict)
			}
			if err := emails.Delete([]byte(existing.Email)); err != nil {
				return err
			}
			if err := emails.Put([]byte(identity.Email), []byte(identity.ID)); err != nil {
				return err
			}
		}
		return putJSON(ids, []byte(identity.ID), identity)
	})
}

func (s *Store) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketIdentities)
		var identity storage.Identity
		ok, err := getJSON(ids, []byte(id), &identity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
		}
		identity.LastLoginAt = &at
		return putJSON(ids, []byte(id), &identity)
	})
}

func (s *Store) DeleteIdentity(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketIdentities)
		var existing storage.Identity
		ok, err := getJSON(ids, []byte(id), &existing)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
		}
		if _, err := deleteSessionsTx(tx, func(sess *storage.Session) bool { return sess.IdentityID == id }); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTwoFactor).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEmails).Delete([]byte(existing.Email)); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}

func (s *Store) ListIdentities(_ context.Context) ([]storage.Identity, error) {
	var out []storage.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketIdentities)
		// identity_emails is keyed by email, so iteration is already ordered.
		return tx.Bucket(bucketEmails).ForEach(func(_, id []byte) error {
			var identity storage.Identity
			ok, err := getJSON(ids, id, &identity)
			if err != nil || !ok {
				return err
			}
			out = append(out, identity)
			return nil
		})
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Two-factor configuration
// ---------------------------------------------------------------------------

func (s *Store) GetTwoFactor(_ context.Context, identityID string) (*storage.TwoFactorConfig, error) {
	var cfg storage.TwoFactorConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketTwoFactor), []byte(identityID), &cfg)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("two-factor %s: %w", identityID, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) PutTwoFactor(_ context.Context, cfg *storage.TwoFactorConfig) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketIdentities).Get([]byte(cfg.IdentityID)) == nil {
			return fmt.Errorf("identity %s: %w", cfg.IdentityID, storage.ErrNotFound)
		}
		return putJSON(tx.Bucket(bucketTwoFactor), []byte(cfg.IdentityID), cfg)
	})
}

func (s *Store) ConsumeBackupCode(_ context.Context, identityID, codeHash string) (int, bool, error) {
	var (
		remaining int
		consumed  bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTwoFactor)
		var cfg storage.TwoFactorConfig
		ok, err := getJSON(b, []byte(identityID), &cfg)
		if err != nil || !ok {
			return err
		}
		idx := slices.Index(cfg.BackupCodes, codeHash)
		if idx < 0 {
			remaining = len(cfg.BackupCodes)
			return nil
		}
		cfg.BackupCodes = slices.Delete(cfg.BackupCodes, idx, idx+1)
		remaining, consumed = len(cfg.BackupCodes), true
		return putJSON(b, []byte(identityID), &cfg)
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, consumed, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(_ context.Context, session *storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketIdentities).Get([]byte(session.IdentityID)) == nil {
			return fmt.Errorf("identity %s: %w", session.IdentityID, storage.ErrNotFound)
		}
		sessions, tokens := tx.Bucket(bucketSessions), tx.Bucket(bucketTokens)
		if tokens.Get([]byte(session.TokenHash)) != nil || sessions.Get([]byte(session.ID)) != nil {
			return fmt.Errorf("session %s: %w", session.ID, storage.ErrConflict)
		}
		if err := tokens.Put([]byte(session.TokenHash), []byte(session.ID)); err != nil {
			return err
		}
		return putJSON(sessions, []byte(session.ID), session)
	})
}

func (s *Store) GetSessionByTokenHash(_ context.Context, tokenHash string) (*storage.Session, error) {
	var session storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketTokens).Get([]byte(tokenHash))
		if id == nil {
			return fmt.Errorf("session: %w", storage.ErrNotFound)
		}
		ok, err := getJSON(tx.Bucket(bucketSessions), id, &session)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListSessions(_ context.Context, identityID string) ([]storage.Session, error) {
	var out []storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var sess storage.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.IdentityID == identityID {
				out = append(out, sess)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		var sess storage.Session
		ok, err := getJSON(sessions, []byte(id), &sess)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
		}
		if err := tx.Bucket(bucketTokens).Delete([]byte(sess.TokenHash)); err != nil {
			return err
		}
		return sessions.Delete([]byte(id))
	})
}

func (s *Store) DeleteSessionsForIdentity(_ context.Context, identityID string) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		n, err = deleteSessionsTx(tx, func(sess *storage.Session) bool { return sess.IdentityID == identityID })
		return err
	})
	return n, err
}

func (s *Store) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		n, err = deleteSessionsTx(tx, func(sess *storage.Session) bool { return !now.Before(sess.ExpiresAt) })
		return err
	})
	return n, err
}

// deleteSessionsTx removes every session matching pred. Keys are collected
// first because bbolt cursors must not be mutated mid-iteration.
func deleteSessionsTx(tx *bbolt.Tx, pred func(*storage.Session) bool) (int, error) {
	sessions, tokens := tx.Bucket(bucketSessions), tx.Bucket(bucketTokens)
	var doomed []storage.Session
	err := sessions.ForEach(func(_, v []byte) error {
		var sess storage.Session
		if err := json.Unmarshal(v, &sess); err != nil {
			return err
		}
		if pred(&sess) {
			doomed = append(doomed, sess)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, sess := range doomed {
		if err := tokens.Delete([]byte(sess.TokenHash)); err != nil {
			return 0, err
		}
		if err := sessions.Delete([]byte(sess.ID)); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

// ---------------------------------------------------------------------------
// Rate-limit counters
// ---------------------------------------------------------------------------

func (s *Store) Increment(_ context.Context, key string, window time.Duration, now time.Time) (storage.Counter, error) {
	var c storage.Counter
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		c = storage.Counter{Key: key}
		if _, err := getJSON(b, []byte(key), &c); err != nil {
			return err
		}
		c = c.Advance(now, window)
		return putJSON(b, []byte(key), &c)
	})
	return c, err
}

func (s *Store) DeleteStaleCounters(_ context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var c storage.Counter
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if !c.WindowStart.After(before) {
				stale = append(stale, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

// ---------------------------------------------------------------------------
// Security events
// ---------------------------------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, event *storage.SecurityEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		prev := ""
		if _, v := b.Cursor().Last(); v != nil {
			var last storage.SecurityEvent
			if err := json.Unmarshal(v, &last); err != nil {
				return err
			}
			prev = last.Hash
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Seq = seq
		storage.Link(event, prev)
		return putJSON(b, seqKey(seq), event)
	})
}

func (s *Store) ListEvents(_ context.Context, filter storage.EventFilter) ([]storage.SecurityEvent, error) {
	var out []storage.SecurityEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		// With a limit, walk backwards from the newest event and stop early.
		if filter.Limit > 0 {
			for k, v := c.Last(); k != nil && len(out) < filter.Limit; k, v = c.Prev() {
				var e storage.SecurityEvent
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				if filter.Matches(&e) {
					out = append(out, e)
				}
			}
			slices.Reverse(out)
			return nil
		}
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e storage.SecurityEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if filter.Matches(&e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}
