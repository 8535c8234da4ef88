package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"admin-gate/audit"
	"admin-gate/config"
	"admin-gate/mfa"
	"admin-gate/roles"
	"admin-gate/tokenseal"
	"admin-gate/totp"
)

const dbTimeout = 8 * time.Second

type roleGranter interface {
	Grant(ctx context.Context, userID, role, grantedBy string) (bool, error)
}

type auditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// backend is what the commands run against.
type backend struct {
	gate  *mfa.Service
	roles roleGranter
	audit auditRecorder
	close func() error
}

type app struct {
	actor  string
	reason string
	stdout io.Writer
	stderr io.Writer
	open   func(ctx context.Context) (*backend, error)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut, open: openPostgres}
	return a.rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mfactl",
		Short: "Operator tool for admin second-factor accounts",
		Long: `mfactl manages the second-factor accounts that guard the admin area.

It reads the same settings as the server (DATABASE_URL, DATA_KEY, MFA_ISSUER
from the environment or admin-gate.yaml) and records every change in the
admin audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.PersistentFlags().StringVar(&a.actor, "actor", defaultActor(), "operator name written to the audit trail")
	cmd.PersistentFlags().StringVar(&a.reason, "reason", "", "reason written to the audit trail")

	cmd.AddCommand(
		newGrantCmd(a),
		newProvisionCmd(a),
		newUnblockCmd(a),
		newRevokeCmd(a),
		newStatusCmd(a),
	)
	return cmd
}

func defaultActor() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// openPostgres builds the backend from the server configuration.
func openPostgres(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	gate := &mfa.Service{
		Store:    mfa.NewPostgresStore(db),
		Verifier: totp.Verifier{Window: totp.DefaultWindow},
		Issuer:   cfg.MFAIssuer,
	}
	if strings.TrimSpace(cfg.DataKey) != "" {
		sealer, err := tokenseal.New(cfg.DataKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("DATA_KEY: %w", err)
		}
		gate.Codec = sealer
	}
	return &backend{
		gate:  gate,
		roles: roles.New(db),
		audit: audit.New(db),
		close: db.Close,
	}, nil
}

// run opens the backend for one command and closes it afterwards.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := a.open(ctx)
	if err != nil {
		return err
	}
	if b.close != nil {
		defer b.close()
	}
	return fn(ctx, b)
}

func (a *app) record(ctx context.Context, b *backend, e audit.Entry) {
	if b.audit == nil {
		return
	}
	e.Actor = a.actor
	e.Reason = a.reason
	if err := b.audit.Record(ctx, e); err != nil {
		fmt.Fprintf(a.stderr, "warning: audit %s: %v\n", e.Action, err)
	}
}

func parseUserID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid user id %q", raw)
	}
	return id.String(), nil
}
