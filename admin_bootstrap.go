package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"admin-gate/audit"
	"admin-gate/roles"
)

const adminBootstrapGrantorEnv = "ADMIN_BOOTSTRAP_GRANTOR"

// bootstrapAdminUsers gives each listed user the admin role and an
// unprovisioned second-factor account, so the first operator can finish
// setup through /api/mfa/provision.
func bootstrapAdminUsers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	grantor := strings.TrimSpace(os.Getenv(adminBootstrapGrantorEnv))
	if grantor == "" {
		grantor = "system:bootstrap"
	}

	var (
		granted []string
		joined  error
	)
	for _, raw := range ids {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			Warnf("Admin bootstrap: skipping %q: not a user id", raw)
			continue
		}
		changed, err := bootstrapUser(ctx, id.String(), grantor)
		if err != nil {
			Warnf("Admin bootstrap: %v", err)
			joined = errors.Join(joined, err)
			continue
		}
		if changed {
			granted = append(granted, id.String())
		}
	}

	if len(granted) == 0 {
		Infof("Admin bootstrap: no new admin grants applied")
	} else {
		Infof("Admin bootstrap: granted admin to %d user(s): %s", len(granted), strings.Join(granted, ", "))
	}
	return joined
}

func bootstrapUser(ctx context.Context, userID, grantor string) (bool, error) {
	roleAdded, err := roleStore.Grant(ctx, userID, roles.Admin, grantor)
	if err != nil {
		return false, fmt.Errorf("grant admin role for %s: %w", userID, err)
	}
	created, err := gate.Grant(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("create account for %s: %w", userID, err)
	}
	if !roleAdded && !created {
		return false, nil
	}
	if auditLog != nil {
		if err := auditLog.Record(ctx, audit.Entry{
			Action:     audit.ActionBootstrap,
			TargetUser: userID,
			Actor:      grantor,
			Metadata:   map[string]any{"role_added": roleAdded, "account_created": created},
		}); err != nil {
			Warnf("Admin bootstrap: audit for %s: %v", userID, err)
		}
	}
	return true, nil
}
