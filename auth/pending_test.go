package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPending(t *testing.T) (*PendingTokens, *Keyring, *fakeClock) {
	t.Helper()
	keys, err := GenerateKeyring()
	require.NoError(t, err)
	clock := newFakeClock()
	return NewPendingTokens(keys, 0, clock.Now), keys, clock
}

func TestPendingRoundTrip(t *testing.T) {
	p, _, clock := newTestPending(t)
	for _, stage := range []PendingStage{StageVerify, StageSetup} {
		token, expiresAt, err := p.Issue("id-1", stage)
		require.NoError(t, err)
		assert.True(t, looksLikePendingToken(token))
		assert.Equal(t, clock.Now().Add(DefaultPendingTTL), expiresAt)

		pc, err := p.Parse(token)
		require.NoError(t, err)
		assert.Equal(t, "id-1", pc.IdentityID)
		assert.Equal(t, stage, pc.Stage)
		assert.True(t, pc.ExpiresAt.Equal(expiresAt))
	}
}

func TestPendingExpires(t *testing.T) {
	p, _, clock := newTestPending(t)
	token, _, err := p.Issue("id-1", StageVerify)
	require.NoError(t, err)

	clock.Advance(DefaultPendingTTL + time.Second)
	_, err = p.Parse(token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestPendingRejectsForeignKey(t *testing.T) {
	p, _, _ := newTestPending(t)
	other, _, _ := newTestPending(t)
	token, _, err := other.Issue("id-1", StageVerify)
	require.NoError(t, err)

	_, err = p.Parse(token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestPendingRejectsTampering(t *testing.T) {
	p, _, _ := newTestPending(t)
	token, _, err := p.Issue("id-1", StageVerify)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	forged := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = p.Parse(forged)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	_, err = p.Parse("")
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestPendingRejectsOtherAlgorithms(t *testing.T) {
	p, keys, clock := newTestPending(t)
	key, err := keys.signingKey()
	require.NoError(t, err)

	claims := pendingClaims{
		Stage: StageVerify,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    pendingIssuer,
			Subject:   "id-1",
			Audience:  jwt.ClaimStrings{pendingAudience},
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(key)
	require.NoError(t, err)
	_, err = p.Parse(hs512)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = p.Parse(none)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestPendingRequiresAudienceAndStage(t *testing.T) {
	p, keys, clock := newTestPending(t)
	key, err := keys.signingKey()
	require.NoError(t, err)

	sign := func(aud string, stage PendingStage, exp bool) string {
		claims := pendingClaims{
			Stage: stage,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:   pendingIssuer,
				Subject:  "id-1",
				Audience: jwt.ClaimStrings{aud},
			},
		}
		if exp {
			claims.ExpiresAt = jwt.NewNumericDate(clock.Now().Add(time.Minute))
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}

	_, err = p.Parse(sign("somewhere-else", StageVerify, true))
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = p.Parse(sign(pendingAudience, "admin", true))
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = p.Parse(sign(pendingAudience, StageVerify, false))
	assert.ErrorIs(t, err, ErrSessionInvalid, "expiry is required")
	_, err = p.Parse(sign(pendingAudience, StageVerify, true))
	assert.NoError(t, err)
}

func TestLooksLikePendingToken(t *testing.T) {
	assert.True(t, looksLikePendingToken("a.b.c"))
	assert.False(t, looksLikePendingToken("dGhpcyBpcyBhIHNlc3Npb24gdG9rZW4"))
	assert.False(t, looksLikePendingToken(""))
}
