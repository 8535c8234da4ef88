package mfa

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCode means the submitted code is not exactly six digits.
	ErrInvalidCode = errors.New("code must be exactly 6 digits")
	// ErrNotFound means the user has no second-factor account.
	ErrNotFound = errors.New("two-factor account not found")
	// ErrNotProvisioned means the account exists but has no usable secret.
	ErrNotProvisioned = errors.New("two-factor authentication is not set up")
	// ErrBlocked means the account is locked after too many failures.
	ErrBlocked = errors.New("account blocked after too many failed attempts, contact an administrator")
	// ErrAlreadyProvisioned is returned by self-service provisioning once a
	// secret has been shown.
	ErrAlreadyProvisioned = errors.New("two-factor authentication is already set up")
)

// IncorrectCodeError is a wrong code that was counted against the account.
// When Blocked is set the failure also blocked the account and the error
// matches ErrBlocked.
type IncorrectCodeError struct {
	RemainingAttempts int
	Blocked           bool
}

func (e *IncorrectCodeError) Error() string {
	if e.Blocked {
		return ErrBlocked.Error()
	}
	return fmt.Sprintf("incorrect code, %d attempt(s) remaining", e.RemainingAttempts)
}

func (e *IncorrectCodeError) Is(target error) bool {
	return e.Blocked && target == ErrBlocked
}
