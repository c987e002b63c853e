package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldencompasses/lodge/storage"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// buildValidChain returns n correctly linked events.
func buildValidChain(n int) []storage.SecurityEvent {
	events := make([]storage.SecurityEvent, n)
	prev := ""
	for i := range events {
		events[i] = storage.SecurityEvent{
			ID:         fmt.Sprintf("event-%d", i),
			Seq:        uint64(i + 1),
			Timestamp:  time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			ClientIP:   "192.0.2.1",
			Kind:       "LOGIN_FAILED",
			IdentityID: "identity-1",
		}
		storage.Link(&events[i], prev)
		prev = events[i].Hash
	}
	return events
}

// relink recomputes hashes from index i on, as a forger would.
func relink(events []storage.SecurityEvent, from int) {
	prev := ""
	if from > 0 {
		prev = events[from-1].Hash
	}
	for i := from; i < len(events); i++ {
		storage.Link(&events[i], prev)
		prev = events[i].Hash
	}
}

func checkStatus(t *testing.T, result verifyResult, name string) string {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	t.Fatalf("no check named %s", name)
	return ""
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestVerify_ValidChain(t *testing.T) {
	result := verifyEvents(buildValidChain(5))

	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EventCount)
	for _, c := range result.Checks {
		assert.Equal(t, "pass", c.Status, "check %s", c.Name)
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	result := verifyEvents(nil)

	assert.True(t, result.Valid)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, "empty_chain", result.Checks[0].Name)
}

func TestVerify_ModifiedEvent(t *testing.T) {
	events := buildValidChain(5)
	events[2].Detail = "nothing to see here"

	result := verifyEvents(events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "content_hashes"))
	assert.Equal(t, "pass", checkStatus(t, result, "chain_continuity"))
}

func TestVerify_RemovedEventRelinked(t *testing.T) {
	events := buildValidChain(5)
	events = append(events[:2], events[3:]...)
	relink(events, 2)

	result := verifyEvents(events)
	assert.False(t, result.Valid)
	assert.Equal(t, "pass", checkStatus(t, result, "content_hashes"))
	assert.Equal(t, "fail", checkStatus(t, result, "contiguous_sequence"))
}

func TestVerify_BrokenLink(t *testing.T) {
	events := buildValidChain(4)
	events[3].PrevHash = events[1].Hash

	result := verifyEvents(events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "chain_continuity"))
}

func TestVerify_WrongGenesis(t *testing.T) {
	events := buildValidChain(3)
	storage.Link(&events[0], "ff")
	relink(events, 1)

	result := verifyEvents(events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "genesis_anchor"))
}

func TestVerify_DuplicateIDs(t *testing.T) {
	events := buildValidChain(3)
	events[2].ID = events[0].ID
	relink(events, 2)

	result := verifyEvents(events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "no_duplicate_ids"))
}

func TestVerify_TimestampsAndKindsOnlyWarn(t *testing.T) {
	events := buildValidChain(3)
	events[2].Timestamp = events[0].Timestamp.Add(-time.Hour)
	events[1].Kind = "VAULT_OPENED"
	relink(events, 1)

	result := verifyEvents(events)
	assert.True(t, result.Valid)
	assert.Equal(t, "warn", checkStatus(t, result, "monotonic_timestamps"))
	assert.Equal(t, "warn", checkStatus(t, result, "known_kinds"))
}

func TestPrintHumanResult(t *testing.T) {
	events := buildValidChain(2)
	events[1].Detail = "edited"
	result := verifyEvents(events)
	result.Source = "export.json"

	var buf bytes.Buffer
	printHumanResult(&buf, result)
	out := buf.String()
	assert.Contains(t, out, "Audit chain verification: export.json")
	assert.Contains(t, out, "[FAIL] content_hashes")
	assert.Contains(t, out, "Result: INVALID (1 error(s), 0 warning(s))")
}

func TestRunVerifyFile(t *testing.T) {
	write := func(t *testing.T, events []storage.SecurityEvent) string {
		t.Helper()
		data, err := json.Marshal(auditExport{ExportedAt: time.Now(), Events: events})
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "export.json")
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}

	var out bytes.Buffer
	verifyCmd.SetOut(&out)
	t.Cleanup(func() { verifyCmd.SetOut(nil) })

	require.NoError(t, runVerify(verifyCmd, []string{write(t, buildValidChain(3))}))
	assert.Contains(t, out.String(), "Result: VALID")

	tampered := buildValidChain(3)
	tampered[0].ClientIP = "203.0.113.9"
	assert.ErrorIs(t, runVerify(verifyCmd, []string{write(t, tampered)}), errChainInvalid)

	_, err := readExport(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
