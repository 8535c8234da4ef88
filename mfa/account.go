// Package mfa holds the second-factor account model for admin users and the
// service that verifies codes and applies lockout transitions.
package mfa

import (
	"database/sql"
	"time"
)

// BlockThreshold is the number of consecutive failed codes that blocks an
// account. Blocks never expire; an operator has to unblock.
const BlockThreshold = 5

// State is the lifecycle position of an account.
type State string

const (
	StateUnprovisioned State = "unprovisioned"
	StateActive        State = "provisioned-active"
	StateBlocked       State = "blocked"
)

// Account is one row of second_factor_accounts.
type Account struct {
	UserID         string         `db:"user_id"`
	Secret         sql.NullString `db:"totp_secret"`
	IsProvisioned  bool           `db:"is_provisioned"`
	IsBlocked      bool           `db:"is_blocked"`
	FailedAttempts int            `db:"failed_attempts"`
	LastFailedAt   sql.NullTime   `db:"last_failed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// State derives the lifecycle state. Blocked wins over provisioning so a
// blocked account never reads as usable.
func (a Account) State() State {
	switch {
	case a.IsBlocked:
		return StateBlocked
	case a.IsProvisioned && a.hasSecret():
		return StateActive
	default:
		return StateUnprovisioned
	}
}

// Ready reports whether the account can be verified against.
func (a Account) Ready() bool {
	return a.IsProvisioned && a.hasSecret()
}

// RemainingAttempts is the number of failures left before the block.
func (a Account) RemainingAttempts() int {
	if a.IsBlocked {
		return 0
	}
	if left := BlockThreshold - a.FailedAttempts; left > 0 {
		return left
	}
	return 0
}

func (a Account) hasSecret() bool {
	return a.Secret.Valid && a.Secret.String != ""
}

// Status is the client-safe view of an account. It never carries the secret.
type Status struct {
	UserID            string     `json:"user_id"`
	State             State      `json:"state"`
	IsProvisioned     bool       `json:"is_provisioned"`
	IsBlocked         bool       `json:"is_blocked"`
	FailedAttempts    int        `json:"failed_attempts"`
	RemainingAttempts int        `json:"remaining_attempts"`
	LastFailedAt      *time.Time `json:"last_failed_at,omitempty"`
}

// Status returns the client-safe view of a.
func (a Account) Status() Status {
	st := Status{
		UserID:            a.UserID,
		State:             a.State(),
		IsProvisioned:     a.IsProvisioned,
		IsBlocked:         a.IsBlocked,
		FailedAttempts:    a.FailedAttempts,
		RemainingAttempts: a.RemainingAttempts(),
	}
	if a.LastFailedAt.Valid {
		t := a.LastFailedAt.Time.UTC()
		st.LastFailedAt = &t
	}
	return st
}
