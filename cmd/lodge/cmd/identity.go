package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/goldencompasses/lodge/auth"
)

var (
	identityDisplayName string
	identityRole        string
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage member and officer identities",
}

var identityCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create an identity; the password is read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withStack(cmd.Context(), func(s *stack) error {
			identity, err := s.svc.CreateIdentity(cmd.Context(), nil, authCreateRequest(args[0], password), cliIP)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s) with role %s\n", identity.Email, identity.ID, identity.Role)
			return nil
		})
	},
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd.Context(), func(s *stack) error {
			identities, err := s.svc.ListIdentities(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tACTIVE\tLAST LOGIN")
			for _, i := range identities {
				last := "never"
				if i.LastLoginAt != nil {
					last = i.LastLoginAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", i.ID, i.Email, i.Role, i.Active, last)
			}
			return tw.Flush()
		})
	},
}

var identitySetRoleCmd = &cobra.Command{
	Use:   "set-role <email|id> <role>",
	Short: "Change an identity's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd.Context(), func(s *stack) error {
			identity, err := s.svc.FindIdentity(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("identity %s: %w", args[0], err)
			}
			if err := s.svc.SetRole(cmd.Context(), nil, identity.ID, args[1], cliIP); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", identity.Email, strings.ToLower(args[1]))
			return nil
		})
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <email|id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(s *stack) error {
				identity, err := s.svc.FindIdentity(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("identity %s: %w", args[0], err)
				}
				if err := s.svc.SetActive(cmd.Context(), nil, identity.ID, active, cliIP); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", identity.Email, use)
				return nil
			})
		},
	}
}

var identitySetPasswordCmd = &cobra.Command{
	Use:   "set-password <email|id>",
	Short: "Replace a password and end all sessions; the password is read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withStack(cmd.Context(), func(s *stack) error {
			identity, err := s.svc.FindIdentity(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("identity %s: %w", args[0], err)
			}
			if err := s.svc.SetPassword(cmd.Context(), nil, identity.ID, password, cliIP); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password changed for %s\n", identity.Email)
			return nil
		})
	},
}

var identityDeleteCmd = &cobra.Command{
	Use:   "delete <email|id>",
	Short: "Delete an identity with its sessions and two-factor settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd.Context(), func(s *stack) error {
			identity, err := s.svc.FindIdentity(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("identity %s: %w", args[0], err)
			}
			if err := s.svc.DeleteIdentity(cmd.Context(), nil, identity.ID, cliIP); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", identity.Email)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(
		identityCreateCmd,
		identityListCmd,
		identitySetRoleCmd,
		setActiveCmd("activate", "Allow an identity to sign in again", true),
		setActiveCmd("deactivate", "Block an identity from signing in and end its sessions", false),
		identitySetPasswordCmd,
		identityDeleteCmd,
	)
	identityCreateCmd.Flags().StringVar(&identityDisplayName, "name", "", "Display name")
	identityCreateCmd.Flags().StringVar(&identityRole, "role", "member", "Role: member, admin or super_admin")
}

// readPassword takes the first line of r. Passwords are never accepted as
// flags so they stay out of shell history.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("no password on stdin")
	}
	return password, nil
}

func authCreateRequest(email, password string) auth.CreateIdentityRequest {
	return auth.CreateIdentityRequest{
		Email:       email,
		DisplayName: identityDisplayName,
		Role:        identityRole,
		Password:    password,
	}
}
