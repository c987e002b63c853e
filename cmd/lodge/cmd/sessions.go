package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goldencompasses/lodge/auth"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and revoke sessions",
}

var sessionsRevokeAllCmd = &cobra.Command{
	Use:   "revoke-all <email|id>",
	Short: "End every session of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd.Context(), func(s *stack) error {
			identity, err := s.svc.FindIdentity(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("identity %s: %w", args[0], err)
			}
			n, err := s.svc.RevokeAllSessions(cmd.Context(), &auth.Principal{Identity: identity}, cliIP)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d session(s) for %s\n", n, identity.Email)
			return nil
		})
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list <email|id>",
	Short: "List the live sessions of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd.Context(), func(s *stack) error {
			identity, err := s.svc.FindIdentity(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("identity %s: %w", args[0], err)
			}
			sessions, err := s.svc.Sessions().List(cmd.Context(), identity.ID)
			if err != nil {
				return err
			}
			for _, sess := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  issued %s  expires %s  from %s\n",
					sess.ID, sess.CreatedAt.Format("2006-01-02 15:04"), sess.ExpiresAt.Format("2006-01-02 15:04"), sess.ClientIP)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsRevokeAllCmd, sessionsListCmd)
}
