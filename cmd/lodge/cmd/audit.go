package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/storage"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Security event log tools",
	Long:  `Commands for listing, exporting and verifying the security event log.`,
}

// auditExport is the file format written by `audit list --json` and read
// by `audit verify <file>`.
type auditExport struct {
	ExportedAt time.Time               `json:"exported_at"`
	Events     []storage.SecurityEvent `json:"events"`
}

var (
	auditListKind     string
	auditListIdentity string
	auditListSince    time.Duration
	auditListLimit    int
	auditListJSON     bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List security events, oldest first",
	Long: `Lists security events. With --json and no filters the output is a
complete export that "lodge audit verify <file>" can check offline.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := storage.EventFilter{IdentityID: auditListIdentity, Limit: auditListLimit}
		if auditListKind != "" {
			kind, ok := auth.ParseEventKind(auditListKind)
			if !ok {
				return fmt.Errorf("unknown event kind %q", auditListKind)
			}
			filter.Kind = string(kind)
		}
		if auditListSince > 0 {
			filter.Since = time.Now().Add(-auditListSince)
		}
		return withStack(cmd.Context(), func(s *stack) error {
			events, err := s.svc.Audit().List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if auditListJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(auditExport{ExportedAt: time.Now().UTC(), Events: events})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tIDENTITY\tCLIENT\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Seq, e.Timestamp.Format(time.RFC3339), e.Kind, e.IdentityID, e.ClientIP, e.Detail)
			}
			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	f := auditListCmd.Flags()
	f.StringVar(&auditListKind, "kind", "", "Only events of this kind, e.g. LOGIN_FAILED")
	f.StringVar(&auditListIdentity, "identity", "", "Only events for this identity ID")
	f.DurationVar(&auditListSince, "since", 0, "Only events newer than this, e.g. 24h")
	f.IntVar(&auditListLimit, "limit", 0, "Only the most recent N events (0 for all)")
	f.BoolVar(&auditListJSON, "json", false, "Write JSON instead of a table")
}
