// Package roles stores portal role assignments. admin-gate only cares
// about the admin role.
package roles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const dbTimeout = 5 * time.Second

const Admin = "admin"

var ErrInvalidRole = errors.New("roles: role name is empty")

const Schema = `
CREATE TABLE IF NOT EXISTS user_roles (
  user_id    UUID NOT NULL,
  role       TEXT NOT NULL,
  granted_by TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, role)
);
`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// HasRole reports whether userID holds any of roles.
func (s *Store) HasRole(ctx context.Context, userID string, roles ...string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var ok bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = ANY($2))
`, userID, pq.Array(normalize(roles))).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("roles: lookup: %w", err)
	}
	return ok, nil
}

func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return s.HasRole(ctx, userID, Admin)
}

// Grant assigns role. It reports whether the assignment is new.
func (s *Store) Grant(ctx context.Context, userID, role, grantedBy string) (bool, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return false, ErrInvalidRole
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO user_roles (user_id, role, granted_by) VALUES ($1, $2, $3)
ON CONFLICT (user_id, role) DO NOTHING
`, userID, role, grantedBy)
	if err != nil {
		return false, fmt.Errorf("roles: grant %s: %w", role, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke removes role. Removing a role the user does not hold is not an error.
func (s *Store) Revoke(ctx context.Context, userID, role string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2`,
		userID, strings.ToLower(strings.TrimSpace(role)))
	if err != nil {
		return fmt.Errorf("roles: revoke %s: %w", role, err)
	}
	return nil
}

func normalize(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}
