package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"admin-gate/audit"
	"admin-gate/mfa"
	"admin-gate/roles"
)

func newGrantCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "grant USER_ID",
		Short: "Make a user an admin candidate (admin role and an unprovisioned account)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, b *backend) error {
				roleAdded, err := b.roles.Grant(ctx, userID, roles.Admin, a.actor)
				if err != nil {
					return err
				}
				created, err := b.gate.Grant(ctx, userID)
				if err != nil {
					return err
				}
				a.record(ctx, b, audit.Entry{Action: audit.ActionGrant, TargetUser: userID,
					Metadata: map[string]any{"role_added": roleAdded, "account_created": created, "source": "cli"}})
				if created {
					fmt.Fprintf(a.stdout, "granted %s; run `mfactl provision %s` to issue a secret\n", userID, userID)
				} else {
					fmt.Fprintf(a.stdout, "%s already has a second-factor account\n", userID)
				}
				return nil
			})
		},
	}
}

func newProvisionCmd(a *app) *cobra.Command {
	var (
		resetLockout bool
		label        string
		qrFile       string
	)
	cmd := &cobra.Command{
		Use:   "provision USER_ID",
		Short: "Issue a new TOTP secret, replacing any existing one",
		Long: `Issue a new TOTP secret for USER_ID and print it once together with the
otpauth:// URI. An existing secret is replaced. A blocked account stays
blocked unless --reset-lockout is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, b *backend) error {
				before, err := b.gate.Status(ctx, userID)
				if err != nil {
					return notFoundHint(err, userID)
				}
				p, err := b.gate.Provision(ctx, userID, mfa.ProvisionOptions{
					Label:        label,
					Overwrite:    true,
					ResetLockout: resetLockout,
				})
				if err != nil {
					return err
				}
				if qrFile != "" {
					if err := os.WriteFile(qrFile, p.QRCode, 0o600); err != nil {
						return fmt.Errorf("write qr: %w", err)
					}
				}

				action := audit.ActionProvision
				if before.IsProvisioned {
					action = audit.ActionReprovision
				}
				a.record(ctx, b, audit.Entry{Action: action, TargetUser: userID,
					Metadata: map[string]any{"mode": "cli", "reset_lockout": resetLockout}})

				fmt.Fprintf(a.stdout, "secret:  %s\n", p.Secret)
				fmt.Fprintf(a.stdout, "otpauth: %s\n", p.KeyURI)
				if qrFile != "" {
					fmt.Fprintf(a.stdout, "qr:      %s\n", qrFile)
				}
				if before.IsBlocked && !resetLockout {
					fmt.Fprintln(a.stderr, "note: account is still blocked; run `mfactl unblock` or re-run with --reset-lockout")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resetLockout, "reset-lockout", false, "also clear failed attempts and the block flag")
	cmd.Flags().StringVar(&label, "label", "", "account name shown in the authenticator app")
	cmd.Flags().StringVar(&qrFile, "qr", "", "write the QR code PNG to this file")
	return cmd
}

func newUnblockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock USER_ID",
		Short: "Clear the block flag and failed attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, b *backend) error {
				if err := b.gate.Unblock(ctx, userID); err != nil {
					return notFoundHint(err, userID)
				}
				a.record(ctx, b, audit.Entry{Action: audit.ActionUnblock, TargetUser: userID})
				fmt.Fprintf(a.stdout, "unblocked %s\n", userID)
				return nil
			})
		},
	}
}

func newRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke USER_ID",
		Short: "Delete the second-factor account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, b *backend) error {
				if err := b.gate.Revoke(ctx, userID); err != nil {
					return notFoundHint(err, userID)
				}
				a.record(ctx, b, audit.Entry{Action: audit.ActionRevoke, TargetUser: userID})
				fmt.Fprintf(a.stdout, "revoked %s\n", userID)
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status USER_ID",
		Short: "Show account state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, b *backend) error {
				st, err := b.gate.Status(ctx, userID)
				if err != nil {
					return notFoundHint(err, userID)
				}
				if asJSON {
					enc := json.NewEncoder(a.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				fmt.Fprintf(a.stdout, "user:      %s\n", st.UserID)
				fmt.Fprintf(a.stdout, "state:     %s\n", st.State)
				fmt.Fprintf(a.stdout, "attempts:  %d failed, %d remaining\n", st.FailedAttempts, st.RemainingAttempts)
				if st.LastFailedAt != nil {
					fmt.Fprintf(a.stdout, "last fail: %s\n", st.LastFailedAt.Format("2006-01-02 15:04:05 MST"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func notFoundHint(err error, userID string) error {
	if errors.Is(err, mfa.ErrNotFound) {
		return fmt.Errorf("%s has no second-factor account (run `mfactl grant %s` first)", userID, userID)
	}
	return err
}
