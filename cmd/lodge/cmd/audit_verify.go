package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/storage"
)

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	Source     string        `json:"source"`
	EventCount int           `json:"event_count"`
	Valid      bool          `json:"valid"`
	Checks     []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

// verifyEvents checks a complete, unfiltered log in append order.
func verifyEvents(events []storage.SecurityEvent) verifyResult {
	result := verifyResult{EventCount: len(events), Valid: true}
	if len(events) == 0 {
		result.pass("empty_chain", "no events to verify")
		return result
	}

	// 1. Genesis anchor.
	if events[0].PrevHash == storage.GenesisHash {
		result.pass("genesis_anchor", "")
	} else {
		result.fail("genesis_anchor", fmt.Sprintf("first event prev_hash=%s, expected genesis hash", events[0].PrevHash))
	}

	// 2. Each event points at its predecessor.
	linked := ""
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			linked = fmt.Sprintf("event seq=%d (id=%s) has prev_hash=%s but seq=%d hashed to %s",
				events[i].Seq, events[i].ID, events[i].PrevHash, events[i-1].Seq, events[i-1].Hash)
			break
		}
	}
	if linked == "" {
		result.pass("chain_continuity", fmt.Sprintf("all %d events link correctly", len(events)))
	} else {
		result.fail("chain_continuity", linked)
	}

	// 3. Each hash covers the event's own content.
	tampered := ""
	for i := range events {
		e := &events[i]
		if storage.ChainHash(e, e.PrevHash) != e.Hash {
			tampered = fmt.Sprintf("event seq=%d (id=%s) content does not match its hash", e.Seq, e.ID)
			break
		}
	}
	if tampered == "" {
		result.pass("content_hashes", "")
	} else {
		result.fail("content_hashes", tampered)
	}

	// 4. Sequence numbers have no gaps, so nothing was removed.
	gap := ""
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			gap = fmt.Sprintf("seq jumps from %d to %d", events[i-1].Seq, events[i].Seq)
			break
		}
	}
	if gap == "" {
		result.pass("contiguous_sequence", fmt.Sprintf("seq %d..%d", events[0].Seq, events[len(events)-1].Seq))
	} else {
		result.fail("contiguous_sequence", gap)
	}

	// 5. No duplicate IDs.
	seen := make(map[string]uint64, len(events))
	dup := ""
	for _, e := range events {
		if prev, ok := seen[e.ID]; ok {
			dup = fmt.Sprintf("seq=%d and seq=%d share id=%s", prev, e.Seq, e.ID)
			break
		}
		seen[e.ID] = e.Seq
	}
	if dup == "" {
		result.pass("no_duplicate_ids", "")
	} else {
		result.fail("no_duplicate_ids", dup)
	}

	// 6. Timestamps only move forward. Clock steps on the server make this
	// a warning rather than a failure.
	backwards := ""
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			backwards = fmt.Sprintf("seq=%d (%s) is earlier than seq=%d", events[i].Seq,
				events[i].Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), events[i-1].Seq)
			break
		}
	}
	if backwards == "" {
		result.pass("monotonic_timestamps", "")
	} else {
		result.warn("monotonic_timestamps", backwards)
	}

	// 7. Every kind is one this server records.
	unknown := ""
	for _, e := range events {
		if _, ok := auth.ParseEventKind(e.Kind); !ok {
			unknown = fmt.Sprintf("seq=%d has kind %q", e.Seq, e.Kind)
			break
		}
	}
	if unknown == "" {
		result.pass("known_kinds", "")
	} else {
		result.warn("known_kinds", unknown)
	}

	return result
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", result.Source)
	fmt.Fprintf(w, "Events: %d\n\n", result.EventCount)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var errChainInvalid = errors.New("audit chain is invalid")

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of the security event hash chain",
	Long: `Without arguments, verifies the chain in the configured storage.
With a file, verifies an export written by "lodge audit list --json".

Checks the genesis anchor, hash links, per-event content hashes, sequence
continuity, duplicate IDs, timestamp ordering and event kinds. Exits
non-zero when any check fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func readExport(path string) ([]storage.SecurityEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	var export auditExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return export.Events, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	var (
		events []storage.SecurityEvent
		source string
	)
	if len(args) == 1 {
		source = args[0]
		var err error
		if events, err = readExport(source); err != nil {
			return err
		}
	} else {
		err := withStack(cmd.Context(), func(s *stack) error {
			source = s.cfg.Storage.Backend + " storage"
			var err error
			events, err = s.svc.Audit().List(cmd.Context(), storage.EventFilter{})
			return err
		})
		if err != nil {
			return err
		}
	}

	result := verifyEvents(events)
	result.Source = source

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			return err
		}
	} else {
		printHumanResult(out, result)
	}
	if !result.Valid {
		return errChainInvalid
	}
	return nil
}
