package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"admin-gate/audit"
	"admin-gate/mfa"
	"admin-gate/roles"
)

const schemaTimeout = 30 * time.Second

// createSchema applies every table admin-gate owns. Each statement set is
// idempotent.
func createSchema(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	for _, s := range []struct {
		name string
		ddl  string
	}{
		{"second_factor_accounts", mfa.Schema},
		{"user_roles", roles.Schema},
		{"admin_audit_events", audit.Schema},
	} {
		if _, err := db.ExecContext(ctx, s.ddl); err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	return nil
}
