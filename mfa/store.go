package mfa

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

const dbTimeout = 5 * time.Second

const accountColumns = `user_id, totp_secret, is_provisioned, is_blocked, failed_attempts, last_failed_at, created_at, updated_at`

// Schema creates second_factor_accounts. The CHECK keeps the block flag tied
// to the failure counter.
const Schema = `
CREATE TABLE IF NOT EXISTS second_factor_accounts (
  user_id         UUID PRIMARY KEY,
  totp_secret     TEXT,
  is_provisioned  BOOLEAN NOT NULL DEFAULT FALSE,
  is_blocked      BOOLEAN NOT NULL DEFAULT FALSE,
  failed_attempts INTEGER NOT NULL DEFAULT 0 CHECK (failed_attempts >= 0),
  last_failed_at  TIMESTAMPTZ,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT second_factor_block_threshold CHECK (NOT is_blocked OR failed_attempts >= 5)
);
CREATE INDEX IF NOT EXISTS idx_second_factor_blocked ON second_factor_accounts (is_blocked);
`

// PostgresStore implements Store on second_factor_accounts.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open lib/pq handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

// Migrate creates the table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) Account(ctx context.Context, userID string) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var acct Account
	err := s.db.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM second_factor_accounts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return acct, err
}

func (s *PostgresStore) Create(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO second_factor_accounts (user_id) VALUES ($1)
ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Provision(ctx context.Context, userID, secret string, resetLockout bool) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
UPDATE second_factor_accounts
   SET totp_secret     = $2,
       is_provisioned  = TRUE,
       is_blocked      = CASE WHEN $3 THEN FALSE ELSE is_blocked END,
       failed_attempts = CASE WHEN $3 THEN 0 ELSE failed_attempts END,
       last_failed_at  = CASE WHEN $3 THEN NULL ELSE last_failed_at END,
       updated_at      = now()
 WHERE user_id = $1`, userID, secret, resetLockout)
	return requireRow(res, err)
}

// RecordSuccess resets the failure history unless the account was blocked
// in the meantime.
func (s *PostgresStore) RecordSuccess(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
UPDATE second_factor_accounts
   SET failed_attempts = 0,
       last_failed_at  = NULL,
       updated_at      = now()
 WHERE user_id = $1 AND NOT is_blocked`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBlocked
	}
	return nil
}

// RecordFailure increments the counter and sets the block flag in one
// statement, so concurrent failures cannot both read the same prior count.
func (s *PostgresStore) RecordFailure(ctx context.Context, userID string, threshold int, at time.Time) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var acct Account
	err := s.db.GetContext(ctx, &acct, `
UPDATE second_factor_accounts
   SET failed_attempts = failed_attempts + 1,
       last_failed_at  = $2,
       is_blocked      = (failed_attempts + 1 >= $3),
       updated_at      = now()
 WHERE user_id = $1 AND NOT is_blocked
RETURNING `+accountColumns, userID, at.UTC(), threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrBlocked
	}
	return acct, err
}

func (s *PostgresStore) Unblock(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
UPDATE second_factor_accounts
   SET is_blocked      = FALSE,
       failed_attempts = 0,
       last_failed_at  = NULL,
       updated_at      = now()
 WHERE user_id = $1`, userID)
	return requireRow(res, err)
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM second_factor_accounts WHERE user_id = $1`, userID)
	return requireRow(res, err)
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
