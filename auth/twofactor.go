package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goldencompasses/lodge/storage"
)

// Actor is whoever is managing two-factor settings: a signed-in principal,
// or a password-verified identity completing forced setup.
type Actor struct {
	Identity *storage.Identity
	// Principal is nil for a setup-stage pending token.
	Principal *Principal
}

// Pending reports whether the actor has not yet completed a login.
func (a *Actor) Pending() bool { return a.Principal == nil }

// ResolveActor accepts either a session token or a setup-stage pending
// token.
func (s *Service) ResolveActor(ctx context.Context, token, ip string) (*Actor, error) {
	if looksLikePendingToken(token) {
		_, identity, err := s.pendingIdentity(ctx, token, StageSetup, ip)
		if err != nil {
			return nil, err
		}
		return &Actor{Identity: identity}, nil
	}
	p, err := s.Authenticate(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	return &Actor{Identity: p.Identity, Principal: p}, nil
}

// TwoFactorSetup is returned once by SetupTwoFactor and never persisted.
type TwoFactorSetup struct {
	Secret      string
	BackupCodes []string
	QRCodeURL   string
	URI         string
}

func (s *Service) loadTwoFactor(ctx context.Context, identityID string) (*storage.TwoFactorConfig, error) {
	cfg, err := s.repo.GetTwoFactor(ctx, identityID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.TwoFactorConfig{IdentityID: identityID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading two-factor config: %w", err)
	}
	return cfg, nil
}

// SetupTwoFactor generates a secret and backup codes for the actor. Nothing
// is stored until EnableTwoFactor confirms a code.
func (s *Service) SetupTwoFactor(ctx context.Context, actor *Actor, ip string) (*TwoFactorSetup, error) {
	cfg, err := s.loadTwoFactor(ctx, actor.Identity.ID)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled {
		return nil, s.deny(ctx, ErrAlreadyEnabled, EventAccessDenied, ip, actor.Identity.ID, "2fa setup: already enabled")
	}
	enrollment, err := s.totp.GenerateEnrollment(actor.Identity.Email)
	if err != nil {
		return nil, err
	}
	codes, _, err := GenerateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, EventTwoFactorSetup, ip, actor.Identity.ID, ""); err != nil {
		return nil, err
	}
	return &TwoFactorSetup{
		Secret:      enrollment.Secret,
		BackupCodes: codes,
		QRCodeURL:   enrollment.QRCodeURL,
		URI:         enrollment.URI,
	}, nil
}

type EnableRequest struct {
	Secret      string
	Code        string
	BackupCodes []string
}

// EnableResult carries a session when enabling completed a forced setup.
type EnableResult struct {
	Token     string
	ExpiresAt time.Time
}

// EnableTwoFactor persists the secret from SetupTwoFactor once code proves
// the user's authenticator holds it.
func (s *Service) EnableTwoFactor(ctx context.Context, actor *Actor, req EnableRequest, ip string) (*EnableResult, error) {
	id := actor.Identity.ID
	cfg, err := s.loadTwoFactor(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled {
		return nil, s.deny(ctx, ErrAlreadyEnabled, EventAccessDenied, ip, id, "2fa enable: already enabled")
	}
	hashes, ok := hashSubmittedBackupCodes(req.BackupCodes)
	if !ok {
		return nil, s.deny(ctx, ErrInvalidInput, EventTwoFactorEnableFailed, ip, id, "malformed backup codes")
	}
	if !validEnrollmentSecret(req.Secret) {
		return nil, s.deny(ctx, ErrInvalidInput, EventTwoFactorEnableFailed, ip, id, "secret is not a generated enrollment secret")
	}
	if !s.totp.Verify(req.Secret, req.Code, s.now()) {
		return nil, s.deny(ctx, ErrInvalidEnrollmentCode, EventTwoFactorEnableFailed, ip, id, "code does not match secret")
	}

	sealed, err := s.keys.SealSecret(id, req.Secret)
	if err != nil {
		return nil, err
	}
	cfg.Enabled = true
	cfg.Secret = sealed
	cfg.BackupCodes = hashes
	cfg.UpdatedAt = s.now()
	if err := s.repo.PutTwoFactor(ctx, cfg); err != nil {
		return nil, fmt.Errorf("saving two-factor config: %w", err)
	}
	if err := s.record(ctx, EventTwoFactorEnabled, ip, id, ""); err != nil {
		return nil, err
	}

	if !actor.Pending() {
		return &EnableResult{}, nil
	}
	res, err := s.completeLogin(ctx, actor.Identity, ip, EventLoginSuccess, "forced 2fa setup completed")
	if err != nil {
		return nil, err
	}
	return &EnableResult{Token: res.Token, ExpiresAt: res.ExpiresAt}, nil
}

// hashSubmittedBackupCodes validates and hashes the codes returned by the
// client. A full, duplicate-free set is required.
func hashSubmittedBackupCodes(codes []string) ([]string, bool) {
	if len(codes) != BackupCodeCount {
		return nil, false
	}
	hashes := make([]string, 0, len(codes))
	for _, c := range codes {
		if !validBackupCode(c) {
			return nil, false
		}
		h := HashBackupCode(c)
		if slices.Contains(hashes, h) {
			return nil, false
		}
		hashes = append(hashes, h)
	}
	return hashes, true
}

// DisableTwoFactor clears the secret and backup codes. The grace period is
// kept, so a mandatory role past it must set up again at next login.
func (s *Service) DisableTwoFactor(ctx context.Context, p *Principal, ip string) error {
	id := p.Identity.ID
	cfg, err := s.loadTwoFactor(ctx, id)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return s.deny(ctx, ErrNotEnabled, EventAccessDenied, ip, id, "2fa disable: not enabled")
	}
	cfg.Enabled = false
	cfg.Secret = ""
	cfg.BackupCodes = nil
	cfg.UpdatedAt = s.now()
	if err := s.repo.PutTwoFactor(ctx, cfg); err != nil {
		return fmt.Errorf("saving two-factor config: %w", err)
	}
	return s.record(ctx, EventTwoFactorDisabled, ip, id, "")
}

type TwoFactorStatus struct {
	Enabled              bool
	Required             bool
	BackupCodesRemaining int
	GracePeriodEnds      *time.Time
}

func (s *Service) TwoFactorStatus(ctx context.Context, p *Principal) (*TwoFactorStatus, error) {
	cfg, err := s.loadTwoFactor(ctx, p.Identity.ID)
	if err != nil {
		return nil, err
	}
	return &TwoFactorStatus{
		Enabled:              cfg.Enabled,
		Required:             s.policy.RequiresTwoFactor(p.Role()),
		BackupCodesRemaining: len(cfg.BackupCodes),
		GracePeriodEnds:      cfg.GracePeriodEnds,
	}, nil
}

// RegenerateBackupCodes replaces the whole backup code set.
func (s *Service) RegenerateBackupCodes(ctx context.Context, p *Principal, ip string) ([]string, error) {
	id := p.Identity.ID
	cfg, err := s.loadTwoFactor(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, s.deny(ctx, ErrNotEnabled, EventAccessDenied, ip, id, "backup codes: 2fa not enabled")
	}
	codes, hashes, err := GenerateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	cfg.BackupCodes = hashes
	cfg.UpdatedAt = s.now()
	if err := s.repo.PutTwoFactor(ctx, cfg); err != nil {
		return nil, fmt.Errorf("saving two-factor config: %w", err)
	}
	if err := s.record(ctx, EventBackupCodesRegenerated, ip, id, fmt.Sprintf("count=%d", len(codes))); err != nil {
		return nil, err
	}
	return codes, nil
}
