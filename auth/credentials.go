package auth

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/storage"
)

// CredentialOutcome is the internal reason behind a verification result.
// Callers outside the audit path only look at OK().
type CredentialOutcome int

const (
	CredentialOK CredentialOutcome = iota
	CredentialUnknownIdentity
	CredentialWrongPassword
	CredentialInactive
)

func (o CredentialOutcome) OK() bool { return o == CredentialOK }

func (o CredentialOutcome) String() string {
	switch o {
	case CredentialOK:
		return "ok"
	case CredentialUnknownIdentity:
		return "unknown identity"
	case CredentialWrongPassword:
		return "wrong password"
	case CredentialInactive:
		return "inactive identity"
	}
	return "unknown"
}

// DefaultHashesPerSecond bounds process-wide argon2id work.
const DefaultHashesPerSecond = 20

// CredentialVerifier checks presented passwords against argon2id hashes.
// Every call performs exactly one key derivation, including for unknown
// identities, so outcomes are indistinguishable by latency.
type CredentialVerifier struct {
	params    util.Argon2idParams
	dummyHash string
	throttle  *rate.Limiter
}

// NewCredentialVerifier prepares a verifier. A nil throttle uses
// DefaultHashesPerSecond.
func NewCredentialVerifier(params util.Argon2idParams, throttle *rate.Limiter) (*CredentialVerifier, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	seed, err := util.RandomToken(32)
	if err != nil {
		return nil, err
	}
	dummy, err := util.HashArgon2id(seed, params)
	if err != nil {
		return nil, fmt.Errorf("creating dummy hash: %w", err)
	}
	if throttle == nil {
		throttle = rate.NewLimiter(rate.Limit(DefaultHashesPerSecond), DefaultHashesPerSecond)
	}
	return &CredentialVerifier{params: params, dummyHash: dummy, throttle: throttle}, nil
}

// HashPassword returns a PHC-format argon2id hash of the normalized password.
func (v *CredentialVerifier) HashPassword(ctx context.Context, password string) (string, error) {
	if err := v.throttle.Wait(ctx); err != nil {
		return "", err
	}
	return util.HashArgon2id(util.NormalizeSecret(password), v.params)
}

// Check verifies presented against identity and reports why it failed.
// A nil identity is compared against the dummy hash.
func (v *CredentialVerifier) Check(ctx context.Context, identity *storage.Identity, presented string) (CredentialOutcome, error) {
	if err := v.throttle.Wait(ctx); err != nil {
		return CredentialWrongPassword, err
	}
	encoded := v.dummyHash
	if identity != nil {
		encoded = identity.PasswordHash
	}
	match, err := util.CompareArgon2id(util.NormalizeSecret(presented), encoded)
	if err != nil {
		return CredentialWrongPassword, fmt.Errorf("comparing password hash: %w", err)
	}
	switch {
	case identity == nil:
		return CredentialUnknownIdentity, nil
	case !match:
		return CredentialWrongPassword, nil
	case !identity.Active:
		return CredentialInactive, nil
	}
	return CredentialOK, nil
}

// Verify is Check reduced to a boolean.
func (v *CredentialVerifier) Verify(ctx context.Context, identity *storage.Identity, presented string) bool {
	outcome, err := v.Check(ctx, identity, presented)
	return err == nil && outcome.OK()
}
