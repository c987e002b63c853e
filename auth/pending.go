package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PendingStage says what a password-verified, not yet authenticated caller
// may do next.
type PendingStage string

const (
	// StageVerify: 2FA is enabled; submit a TOTP or backup code.
	StageVerify PendingStage = "verify"
	// StageSetup: 2FA is mandatory and the grace period has ended; enroll.
	StageSetup PendingStage = "setup"
)

const (
	DefaultPendingTTL = 5 * time.Minute
	pendingAudience   = "lodge-2fa"
	pendingIssuer     = "lodge"
)

// PendingContext is the decoded state between the password step and the
// second factor.
type PendingContext struct {
	IdentityID string
	Stage      PendingStage
	ExpiresAt  time.Time
}

type pendingClaims struct {
	Stage PendingStage `json:"stage"`
	jwt.RegisteredClaims
}

// PendingTokens signs and parses the short-lived HS256 tokens that carry a
// PendingContext to the client.
type PendingTokens struct {
	keys *Keyring
	ttl  time.Duration
	now  func() time.Time
}

func NewPendingTokens(keys *Keyring, ttl time.Duration, now func() time.Time) *PendingTokens {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &PendingTokens{keys: keys, ttl: ttl, now: now}
}

func (p *PendingTokens) Issue(identityID string, stage PendingStage) (string, time.Time, error) {
	key, err := p.keys.signingKey()
	if err != nil {
		return "", time.Time{}, err
	}
	now := p.now()
	expiresAt := now.Add(p.ttl)
	claims := pendingClaims{
		Stage: stage,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    pendingIssuer,
			Subject:   identityID,
			Audience:  jwt.ClaimStrings{pendingAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign pending token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse validates signature, audience and expiry. Any failure wraps
// ErrSessionInvalid.
func (p *PendingTokens) Parse(token string) (*PendingContext, error) {
	key, err := p.keys.signingKey()
	if err != nil {
		return nil, err
	}
	var claims pendingClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(pendingAudience),
		jwt.WithIssuer(pendingIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if claims.Subject == "" || (claims.Stage != StageVerify && claims.Stage != StageSetup) {
		return nil, fmt.Errorf("%w: malformed pending token", ErrSessionInvalid)
	}
	return &PendingContext{
		IdentityID: claims.Subject,
		Stage:      claims.Stage,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// looksLikePendingToken distinguishes a JWT from an opaque session token,
// which is unpadded base64url and never contains a dot.
func looksLikePendingToken(token string) bool {
	return strings.Count(token, ".") == 2
}
