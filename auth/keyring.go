package auth

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/goldencompasses/lodge/internal/util"
)

// MinSecretKeyLen is the minimum length of the server secret in bytes.
const MinSecretKeyLen = 32

const (
	purposePendingToken = "lodge pending-2fa token v1"
	purposeTOTPSeal     = "lodge totp secret seal v1"
)

// Keyring holds the server secret in a memguard enclave and derives the
// per-purpose keys used to sign pending tokens and seal TOTP secrets.
// Call Destroy() when done.
type Keyring struct {
	enclave *memguard.Enclave
}

// NewKeyring copies secret into an enclave. The caller's slice is left intact.
func NewKeyring(secret []byte) (*Keyring, error) {
	if len(secret) < MinSecretKeyLen {
		return nil, fmt.Errorf("secret key must be at least %d bytes, got %d", MinSecretKeyLen, len(secret))
	}
	buf := make([]byte, len(secret))
	copy(buf, secret)
	// NewEnclave wipes buf.
	return &Keyring{enclave: memguard.NewEnclave(buf)}, nil
}

// GenerateKeyring returns a keyring over a fresh random secret.
func GenerateKeyring() (*Keyring, error) {
	secret, err := util.RandomBytes(MinSecretKeyLen)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(secret)
	return NewKeyring(secret)
}

func (k *Keyring) subkey(purpose string) ([]byte, error) {
	if k == nil || k.enclave == nil {
		return nil, errors.New("keyring destroyed")
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.DeriveSubkey(buf.Bytes(), purpose)
}

// SealSecret encrypts a TOTP secret bound to identityID.
func (k *Keyring) SealSecret(identityID, secret string) (string, error) {
	key, err := k.subkey(purposeTOTPSeal)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	sealed, err := util.SealAES([]byte(secret), key, []byte("totp:"+identityID))
	if err != nil {
		return "", fmt.Errorf("sealing totp secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSecret reverses SealSecret. A secret sealed for a different identity
// fails to open.
func (k *Keyring) OpenSecret(identityID, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed totp secret: %w", err)
	}
	key, err := k.subkey(purposeTOTPSeal)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	plain, err := util.OpenAES(raw, key, []byte("totp:"+identityID))
	if err != nil {
		return "", fmt.Errorf("opening totp secret: %w", err)
	}
	return string(plain), nil
}

func (k *Keyring) signingKey() ([]byte, error) {
	return k.subkey(purposePendingToken)
}

// Destroy releases the enclave. The Keyring must not be used afterwards.
func (k *Keyring) Destroy() {
	k.enclave = nil
}
