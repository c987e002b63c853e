package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goldencompasses/lodge/internal/util"
)

const (
	// BackupCodeCount is the number of codes generated per batch.
	BackupCodeCount = 10
	// backupCodeByteLen is the number of random bytes per code (12 hex chars).
	backupCodeByteLen = 6
)

// GenerateBackupCodes creates a batch of single-use backup codes. It returns
// the plaintext codes (shown to the user once) and their hashes (persisted).
func GenerateBackupCodes(count int) ([]string, []string, error) {
	plaintext := make([]string, count)
	hashed := make([]string, count)
	for i := range count {
		buf, err := util.RandomBytes(backupCodeByteLen)
		if err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		h := hex.EncodeToString(buf)
		// Format as xxxx-xxxx-xxxx
		code := h[:4] + "-" + h[4:8] + "-" + h[8:12]
		plaintext[i] = code
		hashed[i] = HashBackupCode(code)
	}
	return plaintext, hashed, nil
}

// HashBackupCode computes the hex-encoded SHA-256 of a backup code, after
// lowercasing and removing dashes and spaces.
func HashBackupCode(code string) string {
	normalised := strings.ToLower(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	sum := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(sum[:])
}

// validBackupCode rejects input that cannot be a backup code before any
// storage round trip.
func validBackupCode(code string) bool {
	normalised := strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code))
	if len(normalised) != backupCodeByteLen*2 {
		return false
	}
	_, err := hex.DecodeString(normalised)
	return err == nil
}
