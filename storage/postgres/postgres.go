// Package postgres implements storage.Repository backed by PostgreSQL.
//
// It talks to the database through database/sql with the pgx driver so the
// same Store serves a real pool and sqlmock in tests. Backup codes live in
// their own table so consuming one is a single DELETE, and security events
// are appended under a transaction-scoped advisory lock so the hash chain
// has exactly one head.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/goldencompasses/lodge/storage"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"

	// eventChainLock is the advisory lock key serializing event appends.
	eventChainLock int64 = 0x6c6f646765
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given database handle.
func NewRepository(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromDSN opens a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(db), nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapError translates constraint violations into storage sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%s: %w", what, storage.ErrConflict)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
		}
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

const identityColumns = `id, email, display_name, role, active, password_hash, created_at, updated_at, last_login_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*storage.Identity, error) {
	var (
		i         storage.Identity
		lastLogin sql.NullTime
	)
	if err := row.Scan(&i.ID, &i.Email, &i.DisplayName, &i.Role, &i.Active, &i.PasswordHash,
		&i.CreatedAt, &i.UpdatedAt, &lastLogin); err != nil {
		return nil, err
	}
	i.LastLoginAt = timePtr(lastLogin)
	return &i, nil
}

func (s *Store) CreateIdentity(ctx context.Context, identity *storage.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		identity.ID, identity.Email, identity.DisplayName, identity.Role, identity.Active,
		identity.PasswordHash, identity.CreatedAt, identity.UpdatedAt, nullTime(identity.LastLoginAt))
	return mapError(err, "identity "+identity.Email)
}

func (s *Store) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	i, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "identity "+id)
	}
	return i, nil
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (*storage.Identity, error) {
	i, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = $1`, email))
	if err != nil {
		return nil, mapError(err, "identity "+email)
	}
	return i, nil
}

func (s *Store) UpdateIdentity(ctx context.Context, identity *storage.Identity) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities
		 SET email = $2, display_name = $3, role = $4, active = $5, password_hash = $6,
		     updated_at = $7, last_login_at = $8
		 WHERE id = $1`,
		identity.ID, identity.Email, identity.DisplayName, identity.Role, identity.Active,
		identity.PasswordHash, identity.UpdatedAt, nullTime(identity.LastLoginAt))
	if err != nil {
		return mapError(err, "identity "+identity.Email)
	}
	return requireAffected(res, "identity "+identity.ID)
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireAffected(res, "identity "+id)
}

func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "identity "+id)
}

func (s *Store) ListIdentities(ctx context.Context) ([]storage.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Two-factor configuration
// ---------------------------------------------------------------------------

func (s *Store) GetTwoFactor(ctx context.Context, identityID string) (*storage.TwoFactorConfig, error) {
	var (
		cfg   storage.TwoFactorConfig
		grace sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_id, enabled, secret, grace_period_ends, updated_at
		 FROM two_factor_configs WHERE identity_id = $1`, identityID).
		Scan(&cfg.IdentityID, &cfg.Enabled, &cfg.Secret, &grace, &cfg.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "two-factor "+identityID)
	}
	cfg.GracePeriodEnds = timePtr(grace)

	rows, err := s.db.QueryContext(ctx,
		`SELECT code_hash FROM two_factor_backup_codes WHERE identity_id = $1 ORDER BY code_hash`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		cfg.BackupCodes = append(cfg.BackupCodes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) PutTwoFactor(ctx context.Context, cfg *storage.TwoFactorConfig) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO two_factor_configs (identity_id, enabled, secret, grace_period_ends, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (identity_id) DO UPDATE
			 SET enabled = EXCLUDED.enabled, secret = EXCLUDED.secret,
			     grace_period_ends = EXCLUDED.grace_period_ends, updated_at = EXCLUDED.updated_at`,
			cfg.IdentityID, cfg.Enabled, cfg.Secret, nullTime(cfg.GracePeriodEnds), cfg.UpdatedAt)
		if err != nil {
			return mapError(err, "two-factor "+cfg.IdentityID)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM two_factor_backup_codes WHERE identity_id = $1`, cfg.IdentityID); err != nil {
			return err
		}
		for _, h := range cfg.BackupCodes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO two_factor_backup_codes (identity_id, code_hash) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, cfg.IdentityID, h); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConsumeBackupCode deletes the code row; the DELETE's row lock guarantees
// only one concurrent caller sees it removed.
func (s *Store) ConsumeBackupCode(ctx context.Context, identityID, codeHash string) (int, bool, error) {
	var consumed, total int
	err := s.db.QueryRowContext(ctx,
		`WITH consumed AS (
		     DELETE FROM two_factor_backup_codes
		     WHERE identity_id = $1 AND code_hash = $2
		     RETURNING identity_id
		 )
		 SELECT (SELECT count(*) FROM consumed),
		        (SELECT count(*) FROM two_factor_backup_codes WHERE identity_id = $1)`,
		identityID, codeHash).Scan(&consumed, &total)
	if err != nil {
		return 0, false, err
	}
	// The outer count sees the pre-DELETE snapshot.
	return total - consumed, consumed > 0, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

const sessionColumns = `id, identity_id, token_hash, client_ip, created_at, expires_at`

func scanSession(row rowScanner) (*storage.Session, error) {
	var sess storage.Session
	if err := row.Scan(&sess.ID, &sess.IdentityID, &sess.TokenHash, &sess.ClientIP,
		&sess.CreatedAt, &sess.ExpiresAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.IdentityID, session.TokenHash, session.ClientIP,
		session.CreatedAt, session.ExpiresAt)
	return mapError(err, "session "+session.ID)
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*storage.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash))
	if err != nil {
		return nil, mapError(err, "session")
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, identityID string) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE identity_id = $1 ORDER BY created_at`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "session "+id)
}

func (s *Store) DeleteSessionsForIdentity(ctx context.Context, identityID string) (int, error) {
	return s.deleteSessions(ctx, `DELETE FROM sessions WHERE identity_id = $1`, identityID)
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return s.deleteSessions(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
}

func (s *Store) deleteSessions(ctx context.Context, query string, arg any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---------------------------------------------------------------------------
// Rate-limit counters
// ---------------------------------------------------------------------------

// Increment upserts the counter in one statement. The row lock taken by
// ON CONFLICT DO UPDATE makes concurrent increments serialize.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (storage.Counter, error) {
	c := storage.Counter{Key: key}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_limit_counters (key, count, window_start) VALUES ($1, 1, $2)
		 ON CONFLICT (key) DO UPDATE SET
		     count = CASE WHEN rate_limit_counters.window_start <= $3 THEN 1
		                  ELSE rate_limit_counters.count + 1 END,
		     window_start = CASE WHEN rate_limit_counters.window_start <= $3 THEN EXCLUDED.window_start
		                         ELSE rate_limit_counters.window_start END
		 RETURNING count, window_start`,
		key, now, now.Add(-window)).Scan(&c.Count, &c.WindowStart)
	if err != nil {
		return storage.Counter{}, err
	}
	return c, nil
}

func (s *Store) DeleteStaleCounters(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE window_start <= $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---------------------------------------------------------------------------
// Security events
// ---------------------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, event *storage.SecurityEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, eventChainLock); err != nil {
			return fmt.Errorf("locking event chain: %w", err)
		}
		var prev string
		err := tx.QueryRowContext(ctx,
			`SELECT hash FROM security_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// TIMESTAMPTZ keeps microseconds; hash what will be read back.
		event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)
		storage.Link(event, prev)
		var seq int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO security_events (id, ts, client_ip, kind, identity_id, detail, prev_hash, hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING seq`,
			event.ID, event.Timestamp, event.ClientIP, event.Kind, event.IdentityID, event.Detail,
			event.PrevHash, event.Hash).Scan(&seq)
		if err != nil {
			return mapError(err, "event "+event.ID)
		}
		event.Seq = uint64(seq)
		return nil
	})
}

func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]storage.SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.IdentityID != "" {
		add("identity_id = $%d", filter.IdentityID)
	}
	if !filter.Since.IsZero() {
		add("ts >= $%d", filter.Since)
	}

	query := `SELECT seq, id, ts, client_ip, kind, identity_id, detail, prev_hash, hash FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query = fmt.Sprintf(`SELECT * FROM (%s ORDER BY seq DESC LIMIT $%d) recent ORDER BY seq`, query, len(args))
	} else {
		query += " ORDER BY seq"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SecurityEvent
	for rows.Next() {
		var (
			e   storage.SecurityEvent
			seq int64
		)
		if err := rows.Scan(&seq, &e.ID, &e.Timestamp, &e.ClientIP, &e.Kind, &e.IdentityID,
			&e.Detail, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		out = append(out, e)
	}
	return out, rows.Err()
}
