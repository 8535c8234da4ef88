package mfa

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{
	"user_id", "totp_secret", "is_provisioned", "is_blocked",
	"failed_attempts", "last_failed_at", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestStoreAccount(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT user_id, totp_secret, .* FROM second_factor_accounts WHERE user_id = \$1`).
		WithArgs(testUser).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(testUser, testSecret, true, false, 2, created, created, created))

	acct, err := store.Account(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, testUser, acct.UserID)
	assert.Equal(t, testSecret, acct.Secret.String)
	assert.True(t, acct.Ready())
	assert.Equal(t, 2, acct.FailedAttempts)
	assert.Equal(t, 3, acct.RemainingAttempts())
}

func TestStoreAccountNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM second_factor_accounts WHERE user_id = \$1`).
		WithArgs(testUser).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Account(context.Background(), testUser)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAccountTransientError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(`FROM second_factor_accounts`).WillReturnError(boom)

	_, err := store.Account(context.Background(), testUser)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO second_factor_accounts \(user_id\) VALUES \(\$1\)\s+ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs(testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO second_factor_accounts`).
		WithArgs(testUser).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := store.Create(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Create(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStoreProvision(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE second_factor_accounts\s+SET totp_secret\s+= \$2,\s+is_provisioned\s+= TRUE`).
		WithArgs(testUser, "v1.sealed", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE second_factor_accounts`).
		WithArgs("missing", "v1.sealed", false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Provision(context.Background(), testUser, "v1.sealed", true))
	assert.ErrorIs(t, store.Provision(context.Background(), "missing", "v1.sealed", false), ErrNotFound)
}

func TestStoreRecordSuccessGuardsBlock(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`SET failed_attempts = 0,.*WHERE user_id = \$1 AND NOT is_blocked`).
		WithArgs(testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`WHERE user_id = \$1 AND NOT is_blocked`).
		WithArgs(testUser).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.RecordSuccess(context.Background(), testUser))
	assert.ErrorIs(t, store.RecordSuccess(context.Background(), testUser), ErrBlocked)
}

func TestStoreRecordFailureSingleStatement(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SET failed_attempts = failed_attempts \+ 1,.*is_blocked\s+= \(failed_attempts \+ 1 >= \$3\).*WHERE user_id = \$1 AND NOT is_blocked\s+RETURNING user_id`).
		WithArgs(testUser, at, BlockThreshold).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(testUser, testSecret, true, true, 5, at, at, at))

	acct, err := store.RecordFailure(context.Background(), testUser, BlockThreshold, at)
	require.NoError(t, err)
	assert.True(t, acct.IsBlocked)
	assert.Equal(t, BlockThreshold, acct.FailedAttempts)
	assert.Equal(t, at, acct.LastFailedAt.Time)
}

func TestStoreRecordFailureWhenBlocked(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SET failed_attempts = failed_attempts \+ 1`).
		WillReturnRows(sqlmock.NewRows(accountCols))

	_, err := store.RecordFailure(context.Background(), testUser, BlockThreshold, time.Now())
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestStoreUnblockAndDelete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`SET is_blocked\s+= FALSE,\s+failed_attempts = 0,\s+last_failed_at\s+= NULL`).
		WithArgs(testUser).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM second_factor_accounts WHERE user_id = \$1`).
		WithArgs(testUser).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Unblock(context.Background(), testUser))
	assert.ErrorIs(t, store.Delete(context.Background(), testUser), ErrNotFound)
}

func TestStoreMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS second_factor_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.Migrate(context.Background()))
}
