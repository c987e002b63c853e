package util

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned when an encoded argon2id hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed argon2id hash")

type Argon2idParams struct {
	Time        uint32 `json:"time" toml:"time"`
	MemoryKiB   uint32 `json:"memory" toml:"memory_kib"`
	Parallelism uint8  `json:"parallelism" toml:"parallelism"`
	SaltLen     uint32 `json:"salt_len" toml:"salt_len"`
	KeyLen      uint32 `json:"key_len" toml:"key_len"`
}

// DefaultArgon2idParams follows the OWASP password storage baseline
// (19 MiB, two passes, one lane).
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        2,
		MemoryKiB:   19 * 1024,
		Parallelism: 1,
		SaltLen:     16,
		KeyLen:      32,
	}
}

func (p Argon2idParams) Validate() error {
	switch {
	case p.Time == 0:
		return errors.New("argon2id time must be at least 1")
	case p.MemoryKiB < 8*uint32(p.Parallelism):
		return errors.New("argon2id memory must be at least 8 KiB per lane")
	case p.Parallelism == 0:
		return errors.New("argon2id parallelism must be at least 1")
	case p.SaltLen < 8:
		return errors.New("argon2id salt must be at least 8 bytes")
	case p.KeyLen < 16:
		return errors.New("argon2id key must be at least 16 bytes")
	}
	return nil
}

// HashArgon2id derives a key from secret with a fresh random salt and returns
// it in PHC string format: $argon2id$v=19$m=...,t=...,p=...$salt$key.
func HashArgon2id(secret string, params Argon2idParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	salt, err := RandomBytes(int(params.SaltLen))
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return encodeArgon2id(params, salt, key), nil
}

// CompareArgon2id re-derives the key for secret using the parameters and salt
// embedded in encoded and compares in constant time.
func CompareArgon2id(secret, encoded string) (bool, error) {
	params, salt, want, err := ParseArgon2id(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	defer WipeBytes(got)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func encodeArgon2id(p Argon2idParams, salt, key []byte) string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key))
}

// ParseArgon2id decodes a PHC-format argon2id hash.
func ParseArgon2id(encoded string) (Argon2idParams, []byte, []byte, error) {
	var p Argon2idParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, ErrMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrMalformedHash
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
