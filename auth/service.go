// Package auth implements the login protocol for the lodge admin area:
// password verification, TOTP second factor with backup codes, bearer
// sessions, storage-backed rate limiting and the security audit log.
//
// Service is the only entry point the HTTP layer uses. Every path that
// denies progress records exactly one security event before returning.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/storage"
)

// State is the caller's position in the login protocol after a call.
type State int

const (
	StateAnonymous State = iota
	StateAwaitingPassword
	StateAwaitingSecondFactor
	// StateSetupRequired is AwaitingSecondFactor with no enabled secret.
	StateSetupRequired
	StateAuthenticated
	StateLockedOut
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAwaitingPassword:
		return "awaiting_password"
	case StateAwaitingSecondFactor:
		return "awaiting_second_factor"
	case StateSetupRequired:
		return "setup_required"
	case StateAuthenticated:
		return "authenticated"
	case StateLockedOut:
		return "locked_out"
	}
	return "unknown"
}

// Principal is an authenticated caller.
type Principal struct {
	Identity *storage.Identity
	Session  *storage.Session
}

func (p *Principal) Role() Role { return Role(p.Identity.Role) }

// Service sequences the rate limiter, credential verifier, TOTP engine,
// session manager and audit log.
type Service struct {
	repo       storage.Repository
	limiter    *RateLimiter
	verifier   *CredentialVerifier
	totp       *TOTPEngine
	sessions   *SessionManager
	pending    *PendingTokens
	audit      *AuditLog
	keys       *Keyring
	policy     Policy
	limits     Limits
	sessionTTL time.Duration
	pendingTTL time.Duration
	issuer     string
	// defaultEmail is used when a login omits the email field.
	defaultEmail string
	counters     storage.CounterStore
	argon2       util.Argon2idParams
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCounterStore keeps rate-limit counters outside the main repository,
// e.g. in Redis.
func WithCounterStore(c storage.CounterStore) Option {
	return func(s *Service) { s.counters = c }
}

func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.sessionTTL = d }
}

func WithPendingTTL(d time.Duration) Option {
	return func(s *Service) { s.pendingTTL = d }
}

// WithDefaultEmail sets the identity used by password-only logins.
func WithDefaultEmail(email string) Option {
	return func(s *Service) { s.defaultEmail = util.FoldEmail(email) }
}

// WithIssuer sets the label shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithArgon2Params overrides the password hashing cost.
func WithArgon2Params(p util.Argon2idParams) Option {
	return func(s *Service) { s.argon2 = p }
}

// WithVerifier supplies a prepared credential verifier.
func WithVerifier(v *CredentialVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

// NewService wires the components over repo. keys holds the server secret.
func NewService(repo storage.Repository, keys *Keyring, opts ...Option) (*Service, error) {
	if keys == nil {
		return nil, errors.New("keyring is required")
	}
	s := &Service{
		repo:       repo,
		keys:       keys,
		policy:     DefaultPolicy(),
		limits:     DefaultLimits(),
		sessionTTL: DefaultSessionTTL,
		pendingTTL: DefaultPendingTTL,
		argon2:     util.DefaultArgon2idParams(),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.limits.Validate(); err != nil {
		return nil, err
	}
	if s.counters == nil {
		s.counters = repo
	}
	if s.verifier == nil {
		v, err := NewCredentialVerifier(s.argon2, nil)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}
	s.limiter = NewRateLimiter(s.counters, s.now)
	s.totp = NewTOTPEngine(s.issuer)
	s.sessions = NewSessionManager(repo, s.now, s.logger)
	s.pending = NewPendingTokens(keys, s.pendingTTL, s.now)
	s.audit = NewAuditLog(repo, s.logger, s.now)
	return s, nil
}

// Sweep deletes expired sessions and rate-limit counters whose window has
// closed.
func (s *Service) Sweep(ctx context.Context) (sessions, counters int, err error) {
	sessions, err = s.sessions.Sweep(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	counters, err = s.limiter.Purge(ctx, s.limits.Longest())
	if err != nil {
		return sessions, 0, err
	}
	return sessions, counters, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, counters, err := s.Sweep(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "sweep failed", "error", err)
				continue
			}
			if sessions+counters > 0 {
				s.logger.DebugContext(ctx, "swept expired state", "sessions", sessions, "counters", counters)
			}
		}
	}
}

func (s *Service) Sessions() *SessionManager { return s.sessions }
func (s *Service) Audit() *AuditLog          { return s.audit }
func (s *Service) Limits() Limits            { return s.limits }
func (s *Service) Policy() Policy            { return s.policy }

// record appends an event.
func (s *Service) record(ctx context.Context, kind EventKind, ip, identityID, detail string) error {
	return s.audit.Record(ctx, Event{Kind: kind, ClientIP: ip, IdentityID: identityID, Detail: detail})
}

// deny records the event for a refused action and returns cause, or the
// audit error if the event could not be written.
func (s *Service) deny(ctx context.Context, cause error, kind EventKind, ip, identityID, detail string) error {
	if err := s.record(ctx, kind, ip, identityID, detail); err != nil {
		return err
	}
	return cause
}

// checkLimit consumes one attempt and converts a refusal into a recorded
// *RateLimitError.
func (s *Service) checkLimit(ctx context.Context, key string, limit Limit, ip, identityID string) error {
	d, err := s.limiter.Check(ctx, key, limit)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	detail := fmt.Sprintf("%s: %d attempts in %s", limit.Scope, d.Count, limit.Window)
	return s.deny(ctx, &RateLimitError{Scope: limit.Scope, RetryAfter: d.RetryAfter},
		EventRateLimitExceeded, ip, identityID, detail)
}

// ---------------------------------------------------------------------------
// Login protocol
// ---------------------------------------------------------------------------

type LoginRequest struct {
	Email    string
	Password string
	ClientIP string
}

// LoginResult describes where the caller ended up. Exactly one of Token or
// PendingToken is set.
type LoginResult struct {
	State        State
	Token        string
	PendingToken string
	ExpiresAt    time.Time
	IdentityID   string
}

func (r *LoginResult) RequireTwoFactor() bool {
	return r.State == StateAwaitingSecondFactor || r.State == StateSetupRequired
}

func (r *LoginResult) SetupRequired() bool { return r.State == StateSetupRequired }

// Login runs the password step.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := s.checkLimit(ctx, req.ClientIP, s.limits.Login, req.ClientIP, ""); err != nil {
		return nil, err
	}

	email := util.FoldEmail(req.Email)
	if email == "" {
		email = s.defaultEmail
	}
	var identity *storage.Identity
	if email != "" {
		found, err := s.repo.GetIdentityByEmail(ctx, email)
		switch {
		case err == nil:
			identity = found
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("looking up identity: %w", err)
		}
	}

	outcome, err := s.verifier.Check(ctx, identity, req.Password)
	if err != nil {
		return nil, err
	}
	if !outcome.OK() {
		identityID := ""
		if identity != nil {
			identityID = identity.ID
		}
		return nil, s.deny(ctx, ErrInvalidCredentials, EventLoginFailed, req.ClientIP, identityID,
			"email="+auditEmail(email)+" reason="+outcome.String())
	}

	stage, err := s.secondFactorStage(ctx, identity)
	if err != nil {
		return nil, err
	}
	switch stage {
	case StageVerify, StageSetup:
		token, expiresAt, err := s.pending.Issue(identity.ID, stage)
		if err != nil {
			return nil, err
		}
		kind, state := EventTwoFactorRequired, StateAwaitingSecondFactor
		if stage == StageSetup {
			kind, state = EventTwoFactorSetupRequired, StateSetupRequired
		}
		if err := s.record(ctx, kind, req.ClientIP, identity.ID, ""); err != nil {
			return nil, err
		}
		return &LoginResult{State: state, PendingToken: token, ExpiresAt: expiresAt, IdentityID: identity.ID}, nil
	}

	return s.completeLogin(ctx, identity, req.ClientIP, EventLoginSuccess, "")
}

// auditEmail keeps a submitted email out of the log unless it is an address;
// a password pasted into the email field must not be recorded.
func auditEmail(email string) string {
	if validEmail(email) {
		return email
	}
	return "<not an address>"
}

// secondFactorStage decides whether identity needs a second step. An empty
// stage means the password alone is sufficient.
func (s *Service) secondFactorStage(ctx context.Context, identity *storage.Identity) (PendingStage, error) {
	cfg, err := s.repo.GetTwoFactor(ctx, identity.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading two-factor config: %w", err)
	}
	if cfg != nil && cfg.Enabled {
		return StageVerify, nil
	}
	if !s.policy.RequiresTwoFactor(Role(identity.Role)) {
		return "", nil
	}
	// A mandatory role with no recorded grace period has none left.
	if cfg != nil && cfg.GracePeriodEnds != nil && s.now().Before(*cfg.GracePeriodEnds) {
		return "", nil
	}
	return StageSetup, nil
}

// completeLogin issues the session and stamps LastLoginAt. The identity is
// re-read after the session exists: a deactivation or deletion that raced
// the login either sees the session and revokes it, or is seen here.
func (s *Service) completeLogin(ctx context.Context, identity *storage.Identity, ip string, kind EventKind, detail string) (*LoginResult, error) {
	token, sess, err := s.sessions.Issue(ctx, identity.ID, s.sessionTTL, ip)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetIdentity(ctx, identity.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.revokeQuietly(ctx, sess.ID)
		return nil, fmt.Errorf("re-reading identity: %w", err)
	}
	if current == nil || !current.Active {
		s.revokeQuietly(ctx, sess.ID)
		return nil, s.deny(ctx, ErrInvalidCredentials, EventLoginFailed, ip, identity.ID,
			"reason=deactivated during login")
	}
	if err := s.repo.TouchLastLogin(ctx, identity.ID, s.now()); err != nil {
		s.logger.WarnContext(ctx, "failed to record last login", "identity_id", identity.ID, "error", err)
	}
	if err := s.record(ctx, kind, ip, identity.ID, detail); err != nil {
		return nil, err
	}
	return &LoginResult{State: StateAuthenticated, Token: token, ExpiresAt: sess.ExpiresAt, IdentityID: identity.ID}, nil
}

func (s *Service) revokeQuietly(ctx context.Context, sessionID string) {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionInvalid) {
		s.logger.WarnContext(ctx, "failed to revoke session", "session_id", sessionID, "error", err)
	}
}

// pendingIdentity resolves a pending token to its active identity, recording
// SESSION_INVALID on any failure.
func (s *Service) pendingIdentity(ctx context.Context, token string, stage PendingStage, ip string) (*PendingContext, *storage.Identity, error) {
	pc, err := s.pending.Parse(token)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return nil, nil, s.deny(ctx, ErrSessionInvalid, EventSessionInvalid, ip, "", "pending token rejected")
		}
		return nil, nil, err
	}
	if pc.Stage != stage {
		return nil, nil, s.deny(ctx, ErrSessionInvalid, EventSessionInvalid, ip, pc.IdentityID,
			fmt.Sprintf("pending token stage %s, want %s", pc.Stage, stage))
	}
	identity, err := s.repo.GetIdentity(ctx, pc.IdentityID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !identity.Active) {
		return nil, nil, s.deny(ctx, ErrSessionInvalid, EventSessionInvalid, ip, pc.IdentityID, "identity missing or inactive")
	}
	if err != nil {
		return nil, nil, err
	}
	return pc, identity, nil
}

// VerifySecondFactor completes a login that is awaiting a TOTP or backup code.
func (s *Service) VerifySecondFactor(ctx context.Context, pendingToken, code, ip string) (*LoginResult, error) {
	_, identity, err := s.pendingIdentity(ctx, pendingToken, StageVerify, ip)
	if err != nil {
		return nil, err
	}
	if err := s.checkLimit(ctx, ip+"|"+identity.ID, s.limits.SecondFactor, ip, identity.ID); err != nil {
		return nil, err
	}

	cfg, err := s.repo.GetTwoFactor(ctx, identity.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled {
		return nil, s.deny(ctx, ErrSessionInvalid, EventSessionInvalid, ip, identity.ID, "two-factor no longer enabled")
	}
	secret, err := s.keys.OpenSecret(identity.ID, cfg.Secret)
	if err != nil {
		return nil, err
	}

	if s.totp.Verify(secret, code, s.now()) {
		return s.completeLogin(ctx, identity, ip, EventTwoFactorVerifySuccess, "method=totp")
	}
	if validBackupCode(code) {
		remaining, ok, err := s.repo.ConsumeBackupCode(ctx, identity.ID, HashBackupCode(code))
		if err != nil {
			return nil, fmt.Errorf("consuming backup code: %w", err)
		}
		if ok {
			return s.completeLogin(ctx, identity, ip, EventTwoFactorVerifySuccess,
				fmt.Sprintf("method=backup_code remaining=%d", remaining))
		}
	}
	return nil, s.deny(ctx, ErrSecondFactorInvalid, EventTwoFactorVerifyFailed, ip, identity.ID, "")
}

// Authenticate validates a bearer token and that its identity may still
// act.
func (s *Service) Authenticate(ctx context.Context, token, ip string) (*Principal, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if errors.Is(err, ErrSessionInvalid) {
		return nil, s.deny(ctx, ErrSessionInvalid, EventSessionInvalid, ip, "", "token missing, unknown or expired")
	}
	if err != nil {
		return nil, err
	}
	identity, err := s.repo.GetIdentity(ctx, sess.IdentityID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !identity.Active) {
		return nil, s.deny(ctx, ErrSessionInvalid, EventSessionInvalid, ip, sess.IdentityID, "identity missing or inactive")
	}
	if err != nil {
		return nil, err
	}
	return &Principal{Identity: identity, Session: sess}, nil
}

// Authorize is the single role check applied at the HTTP boundary.
func (s *Service) Authorize(ctx context.Context, p *Principal, min Role, ip, what string) error {
	if p.Role().AtLeast(min) {
		return nil
	}
	return s.deny(ctx, ErrForbidden, EventAccessDenied, ip, p.Identity.ID,
		fmt.Sprintf("%s requires %s, have %s", what, min, p.Role()))
}

// Logout revokes the session behind token only.
func (s *Service) Logout(ctx context.Context, token, ip string) error {
	p, err := s.Authenticate(ctx, token, ip)
	if err != nil {
		return err
	}
	if err := s.sessions.Revoke(ctx, p.Session.ID); err != nil && !errors.Is(err, ErrSessionInvalid) {
		return err
	}
	return s.record(ctx, EventLogout, ip, p.Identity.ID, "")
}

// RevokeAllSessions ends every session of the principal, including the
// current one.
func (s *Service) RevokeAllSessions(ctx context.Context, p *Principal, ip string) (int, error) {
	n, err := s.sessions.RevokeAll(ctx, p.Identity.ID)
	if err != nil {
		return 0, err
	}
	if err := s.record(ctx, EventSessionsRevoked, ip, p.Identity.ID, fmt.Sprintf("count=%d", n)); err != nil {
		return 0, err
	}
	return n, nil
}

// AuthorizeDownload rate-limits by client IP, then authenticates.
func (s *Service) AuthorizeDownload(ctx context.Context, token, ip, documentID string) (*Principal, error) {
	if err := s.checkLimit(ctx, ip, s.limits.Download, ip, ""); err != nil {
		return nil, err
	}
	p, err := s.Authenticate(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, EventDownloadGranted, ip, p.Identity.ID, "document="+documentID); err != nil {
		return nil, err
	}
	return p, nil
}
