package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomBytes reads n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading %d random bytes: %w", n, err)
	}
	return b, nil
}

// RandomToken returns n random bytes as unpadded base64url, suitable for
// session and bearer tokens.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// WipeBytes zeroes b in place. Copies made by the runtime are not reached.
func WipeBytes(b []byte) {
	clear(b)
}
