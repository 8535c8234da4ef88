package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"admin-gate/totp"
)

// Store persists accounts. RecordSuccess and RecordFailure must be single
// atomic operations guarded on the account not being blocked; they return
// ErrBlocked when that guard fails.
type Store interface {
	Account(ctx context.Context, userID string) (Account, error)
	Create(ctx context.Context, userID string) (bool, error)
	Provision(ctx context.Context, userID, secret string, resetLockout bool) error
	RecordSuccess(ctx context.Context, userID string) error
	RecordFailure(ctx context.Context, userID string, threshold int, at time.Time) (Account, error)
	Unblock(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}

// SecretCodec seals secrets before they reach the store.
type SecretCodec interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Hooks are optional callbacks fired after a transition was persisted.
type Hooks struct {
	OnVerified    func(ctx context.Context, userID string)
	OnFailed      func(ctx context.Context, userID string, acct Account)
	OnBlocked     func(ctx context.Context, userID string, acct Account)
	OnProvisioned func(ctx context.Context, userID string, reprovisioned bool)
	OnUnblocked   func(ctx context.Context, userID string)
}

// Service runs verification and operator actions against a Store.
type Service struct {
	Store    Store
	Codec    SecretCodec
	Verifier totp.Verifier
	Issuer   string
	Hooks    Hooks
	Now      func() time.Time
}

// Provisioning is the one-time display payload for a fresh secret.
type Provisioning struct {
	Secret  string
	KeyURI  string
	QRCode  []byte
	Account string
}

// ProvisionOptions control provisioning.
type ProvisionOptions struct {
	// Label is the account name shown in the authenticator app.
	Label string
	// Overwrite allows replacing an existing secret (operator re-provisioning).
	Overwrite bool
	// ResetLockout clears failed attempts and the block flag together with
	// the new secret. Without it a blocked account stays blocked.
	ResetLockout bool
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Verify checks code for userID and applies the matching transition. It
// returns nil on success, ErrInvalidCode before any lookup for malformed
// codes, ErrNotFound, ErrBlocked, ErrNotProvisioned, *IncorrectCodeError for
// a counted failure, or a wrapped storage error.
func (s *Service) Verify(ctx context.Context, userID, code string) error {
	if !totp.ValidCode(code) {
		return ErrInvalidCode
	}

	acct, err := s.Store.Account(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("mfa: load account: %w", err)
	}
	if acct.IsBlocked {
		return ErrBlocked
	}
	if !acct.Ready() {
		return ErrNotProvisioned
	}

	secret, err := s.open(acct.Secret.String)
	if err != nil {
		return fmt.Errorf("mfa: open secret: %w", err)
	}

	v := s.Verifier
	if v.Now == nil {
		v.Now = s.now
	}
	if v.Verify(secret, code) {
		if err := s.Store.RecordSuccess(ctx, userID); err != nil {
			if errors.Is(err, ErrBlocked) {
				return ErrBlocked
			}
			return fmt.Errorf("mfa: record success: %w", err)
		}
		if s.Hooks.OnVerified != nil {
			s.Hooks.OnVerified(ctx, userID)
		}
		return nil
	}

	updated, err := s.Store.RecordFailure(ctx, userID, BlockThreshold, s.now())
	if err != nil {
		if errors.Is(err, ErrBlocked) {
			return ErrBlocked
		}
		return fmt.Errorf("mfa: record failure: %w", err)
	}
	if updated.IsBlocked {
		if s.Hooks.OnBlocked != nil {
			s.Hooks.OnBlocked(ctx, userID, updated)
		}
		return &IncorrectCodeError{Blocked: true}
	}
	if s.Hooks.OnFailed != nil {
		s.Hooks.OnFailed(ctx, userID, updated)
	}
	return &IncorrectCodeError{RemainingAttempts: updated.RemainingAttempts()}
}

// Provision generates and stores a new secret for an existing account and
// returns the one-time display payload.
func (s *Service) Provision(ctx context.Context, userID string, opts ProvisionOptions) (Provisioning, error) {
	acct, err := s.Store.Account(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Provisioning{}, ErrNotFound
		}
		return Provisioning{}, fmt.Errorf("mfa: load account: %w", err)
	}
	if acct.IsProvisioned && !opts.Overwrite {
		return Provisioning{}, ErrAlreadyProvisioned
	}

	secret, err := totp.NewSecret()
	if err != nil {
		return Provisioning{}, err
	}
	stored, err := s.seal(secret)
	if err != nil {
		return Provisioning{}, fmt.Errorf("mfa: seal secret: %w", err)
	}
	if err := s.Store.Provision(ctx, userID, stored, opts.ResetLockout); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Provisioning{}, ErrNotFound
		}
		return Provisioning{}, fmt.Errorf("mfa: store secret: %w", err)
	}

	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = userID
	}
	uri := totp.KeyURI(s.Issuer, label, secret)
	qr, err := totp.QRCode(uri)
	if err != nil {
		return Provisioning{}, err
	}

	if s.Hooks.OnProvisioned != nil {
		s.Hooks.OnProvisioned(ctx, userID, acct.IsProvisioned)
	}
	return Provisioning{Secret: secret, KeyURI: uri, QRCode: qr, Account: label}, nil
}

// Grant creates an unprovisioned account. It reports whether a new row was
// created; granting twice is not an error.
func (s *Service) Grant(ctx context.Context, userID string) (bool, error) {
	created, err := s.Store.Create(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("mfa: create account: %w", err)
	}
	return created, nil
}

// Unblock clears the block flag and failure history.
func (s *Service) Unblock(ctx context.Context, userID string) error {
	if err := s.Store.Unblock(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("mfa: unblock: %w", err)
	}
	if s.Hooks.OnUnblocked != nil {
		s.Hooks.OnUnblocked(ctx, userID)
	}
	return nil
}

// Revoke deletes the account.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	if err := s.Store.Delete(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("mfa: delete: %w", err)
	}
	return nil
}

// Status returns the client-safe view of the account.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	acct, err := s.Store.Account(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Status{}, ErrNotFound
		}
		return Status{}, fmt.Errorf("mfa: load account: %w", err)
	}
	return acct.Status(), nil
}

func (s *Service) seal(secret string) (string, error) {
	if s.Codec == nil {
		return secret, nil
	}
	return s.Codec.Seal(secret)
}

func (s *Service) open(stored string) (string, error) {
	if s.Codec == nil {
		return stored, nil
	}
	return s.Codec.Open(stored)
}
