package auth

import (
	"context"
	"fmt"
	"net/mail"
	"unicode/utf8"

	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/internal/uuid"
	"github.com/goldencompasses/lodge/storage"
)

// MinPasswordLength is counted in runes after normalization.
const MinPasswordLength = 10

// CreateIdentityRequest describes a new identity.
type CreateIdentityRequest struct {
	Email       string
	DisplayName string
	Role        string
	Password    string
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(util.NormalizeSecret(password)) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	return nil
}

// actorLabel names who performed an administrative change; nil is the
// local command line.
func actorLabel(actor *Principal) string {
	if actor == nil {
		return "by=cli"
	}
	return "by=" + actor.Identity.ID
}

// canAssign stops an administrator from granting more than they hold.
func (s *Service) canAssign(ctx context.Context, actor *Principal, role Role, ip string) error {
	if actor == nil || actor.Role().AtLeast(role) {
		return nil
	}
	return s.deny(ctx, ErrForbidden, EventAccessDenied, ip, actor.Identity.ID,
		fmt.Sprintf("cannot assign %s as %s", role, actor.Role()))
}

// stampGracePeriod gives a newly privileged identity time to enroll.
func (s *Service) stampGracePeriod(ctx context.Context, identityID string) error {
	cfg, err := s.loadTwoFactor(ctx, identityID)
	if err != nil {
		return err
	}
	if cfg.Enabled || cfg.GracePeriodEnds != nil {
		return nil
	}
	now := s.now()
	ends := now.Add(s.policy.GracePeriod)
	cfg.GracePeriodEnds = &ends
	cfg.UpdatedAt = now
	return s.repo.PutTwoFactor(ctx, cfg)
}

// validEmail accepts a bare address only, without display name or brackets.
func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// CreateIdentity adds an active identity. actor is nil for the command line.
func (s *Service) CreateIdentity(ctx context.Context, actor *Principal, req CreateIdentityRequest, ip string) (*storage.Identity, error) {
	email := util.FoldEmail(req.Email)
	if !validEmail(email) {
		return nil, fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	if err := s.canAssign(ctx, actor, role, ip); err != nil {
		return nil, err
	}
	hash, err := s.verifier.HashPassword(ctx, req.Password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	identity := &storage.Identity{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  req.DisplayName,
		Role:         string(role),
		Active:       true,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("creating identity: %w", err)
	}
	if s.policy.RequiresTwoFactor(role) {
		if err := s.stampGracePeriod(ctx, identity.ID); err != nil {
			return nil, err
		}
	}
	if err := s.record(ctx, EventIdentityCreated, ip, identity.ID,
		fmt.Sprintf("%s role=%s", actorLabel(actor), role)); err != nil {
		return nil, err
	}
	return identity, nil
}

// FindIdentity looks an identity up by ID or email.
func (s *Service) FindIdentity(ctx context.Context, ref string) (*storage.Identity, error) {
	if uuid.Valid(ref) {
		return s.repo.GetIdentity(ctx, ref)
	}
	return s.repo.GetIdentityByEmail(ctx, util.FoldEmail(ref))
}

func (s *Service) ListIdentities(ctx context.Context) ([]storage.Identity, error) {
	return s.repo.ListIdentities(ctx)
}

func (s *Service) updateIdentity(ctx context.Context, actor *Principal, identity *storage.Identity, ip, detail string) error {
	identity.UpdatedAt = s.now()
	if err := s.repo.UpdateIdentity(ctx, identity); err != nil {
		return fmt.Errorf("updating identity: %w", err)
	}
	return s.record(ctx, EventIdentityUpdated, ip, identity.ID, actorLabel(actor)+" "+detail)
}

// SetRole changes identityID's role. Promotion into a mandatory-2FA role
// starts a grace period.
func (s *Service) SetRole(ctx context.Context, actor *Principal, identityID, role, ip string) error {
	r, err := ParseRole(role)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.canAssign(ctx, actor, r, ip); err != nil {
		return err
	}
	identity, err := s.repo.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	old := identity.Role
	identity.Role = string(r)
	if err := s.updateIdentity(ctx, actor, identity, ip, fmt.Sprintf("role %s -> %s", old, r)); err != nil {
		return err
	}
	if s.policy.RequiresTwoFactor(r) && !s.policy.RequiresTwoFactor(Role(old)) {
		return s.stampGracePeriod(ctx, identity.ID)
	}
	return nil
}

// SetActive enables or disables an identity. Deactivation revokes every
// session.
func (s *Service) SetActive(ctx context.Context, actor *Principal, identityID string, active bool, ip string) error {
	identity, err := s.repo.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	identity.Active = active
	if err := s.updateIdentity(ctx, actor, identity, ip, fmt.Sprintf("active=%t", active)); err != nil {
		return err
	}
	if active {
		return nil
	}
	n, err := s.sessions.RevokeAll(ctx, identity.ID)
	if err != nil {
		return err
	}
	return s.record(ctx, EventSessionsRevoked, ip, identity.ID, fmt.Sprintf("count=%d reason=deactivated", n))
}

// SetPassword replaces the credential and revokes every session.
func (s *Service) SetPassword(ctx context.Context, actor *Principal, identityID, password, ip string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	identity, err := s.repo.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	hash, err := s.verifier.HashPassword(ctx, password)
	if err != nil {
		return err
	}
	identity.PasswordHash = hash
	if err := s.updateIdentity(ctx, actor, identity, ip, "password changed"); err != nil {
		return err
	}
	n, err := s.sessions.RevokeAll(ctx, identity.ID)
	if err != nil {
		return err
	}
	return s.record(ctx, EventSessionsRevoked, ip, identity.ID, fmt.Sprintf("count=%d reason=password changed", n))
}

// DeleteIdentity removes the identity, its sessions and 2FA config.
func (s *Service) DeleteIdentity(ctx context.Context, actor *Principal, identityID, ip string) error {
	if err := s.repo.DeleteIdentity(ctx, identityID); err != nil {
		return err
	}
	return s.record(ctx, EventIdentityDeleted, ip, identityID, actorLabel(actor))
}
