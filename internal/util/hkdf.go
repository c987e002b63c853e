package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFKeyLength is the size of every subkey DeriveSubkey returns.
const HKDFKeyLength = 32

var subkeySalt = []byte("lodge/subkey/v1")

// DeriveSubkey expands the configured secret into a key bound to purpose.
// Callers pass a distinct, versioned purpose string per use.
func DeriveSubkey(master []byte, purpose string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("deriving %q subkey: empty master secret", purpose)
	}
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, subkeySalt, []byte(purpose)), k); err != nil {
		return nil, fmt.Errorf("deriving %q subkey: %w", purpose, err)
	}
	return k, nil
}
