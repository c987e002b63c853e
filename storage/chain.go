package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the PrevHash of the first event in the log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainHash computes the hash linking e to its predecessor.
// hash = SHA-256(id | prevHash | timestamp | kind | identityID | clientIP | detail)
func ChainHash(e *SecurityEvent, prevHash string) string {
	fields := []string{
		e.ID,
		prevHash,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Kind,
		e.IdentityID,
		e.ClientIP,
		e.Detail,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// Link fills PrevHash and Hash on e given the hash of the previous event
// ("" for an empty log).
func Link(e *SecurityEvent, prevHash string) {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	e.PrevHash = prevHash
	e.Hash = ChainHash(e, prevHash)
}

// ChainError describes the first broken link found by VerifyChain.
type ChainError struct {
	Seq    uint64
	ID     string
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("event %d (%s): %s", e.Seq, e.ID, e.Reason)
}

// VerifyChain checks that events (the complete, unfiltered log in append
// order) form an unbroken hash chain from the genesis hash.
func VerifyChain(events []SecurityEvent) error {
	prev := GenesisHash
	for i := range events {
		e := &events[i]
		if e.PrevHash != prev {
			return &ChainError{Seq: e.Seq, ID: e.ID, Reason: "previous hash mismatch"}
		}
		if ChainHash(e, prev) != e.Hash {
			return &ChainError{Seq: e.Seq, ID: e.ID, Reason: "content hash mismatch"}
		}
		prev = e.Hash
	}
	return nil
}
