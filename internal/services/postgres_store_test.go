package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{"id", "handle", "name", "role", "balance", "disabled", "version", "created_at", "updated_at"}

var transferCols = []string{"id", "sender_id", "receiver_id", "amount", "status", "reason", "resolved_by", "created_at", "resolved_at"}

const (
	lockAccountQuery   = "SELECT (.+) FROM accounts WHERE id = \\$1 FOR UPDATE"
	updateBalanceQuery = "UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4"
)

func newPostgresLedger(t *testing.T) (*LedgerService, *PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, _ := test.NewNullLogger()
	store := NewPostgresStore(db)
	return NewLedgerService(store, nil, logger, 0), store, mock
}

func accountRow(id, balance int64, version int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(accountCols).
		AddRow(id, fmt.Sprintf("user%d", id), "", models.RoleUser, balance, false, version, now, now)
}

func TestPostgresStore_SettleTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("successful transfer", func(t *testing.T) {
		ledger, _, mock := newPostgresLedger(t)
		now := time.Now()

		mock.ExpectBegin()

		// Locks are taken in id order regardless of direction.
		mock.ExpectQuery(lockAccountQuery).WithArgs(1).WillReturnRows(accountRow(1, 2000, 1))
		mock.ExpectQuery(lockAccountQuery).WithArgs(2).WillReturnRows(accountRow(2, 5000, 3))

		// Debit sender
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(4000, sqlmock.AnyArg(), 2, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(2, sqlmock.AnyArg(), sqlmock.AnyArg(), -1000, models.EntryTypeDebit, 4000, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(10, now))

		// Credit receiver
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(3000, sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(1, sqlmock.AnyArg(), sqlmock.AnyArg(), 1000, models.EntryTypeCredit, 3000, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, now))

		mock.ExpectCommit()

		err := ledger.SettleTransfer(ctx, 2, 1, 1000)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance rolls back", func(t *testing.T) {
		ledger, _, mock := newPostgresLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountQuery).WithArgs(1).WillReturnRows(accountRow(1, 500, 1))
		mock.ExpectQuery(lockAccountQuery).WithArgs(2).WillReturnRows(accountRow(2, 0, 1))
		mock.ExpectRollback()

		err := ledger.SettleTransfer(ctx, 1, 2, 6000)
		assert.ErrorIs(t, err, models.ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing receiver rolls back", func(t *testing.T) {
		ledger, _, mock := newPostgresLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountQuery).WithArgs(1).WillReturnRows(accountRow(1, 500, 1))
		mock.ExpectQuery(lockAccountQuery).WithArgs(2).WillReturnRows(sqlmock.NewRows(accountCols))
		mock.ExpectRollback()

		err := ledger.SettleTransfer(ctx, 1, 2, 100)
		assert.ErrorIs(t, err, models.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("optimistic lock failure is a storage failure", func(t *testing.T) {
		ledger, _, mock := newPostgresLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountQuery).WithArgs(1).WillReturnRows(accountRow(1, 500, 1))
		mock.ExpectQuery(lockAccountQuery).WithArgs(2).WillReturnRows(accountRow(2, 0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(400, sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := ledger.SettleTransfer(ctx, 1, 2, 100)
		assert.ErrorIs(t, err, models.ErrStorageFailure)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		ledger, _, mock := newPostgresLedger(t)

		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

		err := ledger.SettleTransfer(ctx, 1, 2, 100)
		assert.ErrorIs(t, err, models.ErrStorageFailure)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_OpenAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("with opening balance", func(t *testing.T) {
		ledger, _, mock := newPostgresLedger(t)
		now := time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs("ada@example.org", "Ada", models.RoleUser, false, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))
		mock.ExpectQuery("INSERT INTO credits").
			WithArgs(5, models.SystemActorID, 250, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(250, sqlmock.AnyArg(), 5, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(5, sqlmock.AnyArg(), sqlmock.AnyArg(), 250, models.EntryTypeCredit, 250, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
		mock.ExpectCommit()

		account, err := ledger.OpenAccount(ctx, OpenAccountRequest{Handle: "Ada@Example.org", Name: "Ada", InitialBalance: 250})
		require.NoError(t, err)
		assert.Equal(t, int64(5), account.ID)
		assert.Equal(t, int64(250), account.Balance)
		assert.Equal(t, 1, account.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate handle", func(t *testing.T) {
		ledger, _, mock := newPostgresLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO accounts").
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
		mock.ExpectRollback()

		_, err := ledger.OpenAccount(ctx, OpenAccountRequest{Handle: "ada@example.org"})
		assert.ErrorIs(t, err, models.ErrDuplicateHandle)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Reads(t *testing.T) {
	ctx := context.Background()

	t.Run("account not found", func(t *testing.T) {
		_, store, mock := newPostgresLedger(t)
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
			WithArgs(9).
			WillReturnRows(sqlmock.NewRows(accountCols))

		_, err := store.GetAccount(ctx, 9)
		assert.ErrorIs(t, err, models.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("account by handle is normalised", func(t *testing.T) {
		_, store, mock := newPostgresLedger(t)
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE handle = \\$1").
			WithArgs("user1").
			WillReturnRows(accountRow(1, 70, 2))

		account, err := store.GetAccountByHandle(ctx, " USER1 ")
		require.NoError(t, err)
		assert.Equal(t, int64(70), account.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver error is a storage failure", func(t *testing.T) {
		_, store, mock := newPostgresLedger(t)
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
			WillReturnError(errors.New("connection reset"))

		_, err := store.GetAccount(ctx, 1)
		assert.ErrorIs(t, err, models.ErrStorageFailure)
	})

	t.Run("pending transfers", func(t *testing.T) {
		_, store, mock := newPostgresLedger(t)
		older := time.Now().Add(-time.Hour)
		rows := sqlmock.NewRows(transferCols).
			AddRow(3, 1, 2, 300, "pending", nil, nil, older, nil).
			AddRow(4, 2, 1, 100, "pending", nil, nil, time.Now(), nil)
		mock.ExpectQuery("SELECT (.+) FROM transfers WHERE status = \\$1 ORDER BY created_at ASC, id ASC").
			WithArgs("pending").
			WillReturnRows(rows)

		pending, err := store.ListPendingTransfers(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, int64(3), pending[0].ID)
		assert.Equal(t, models.TransferStatusPending, pending[0].Status)
		assert.Nil(t, pending[0].ResolvedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resolved transfer", func(t *testing.T) {
		_, store, mock := newPostgresLedger(t)
		now := time.Now()
		mock.ExpectQuery("SELECT (.+) FROM transfers WHERE id = \\$1").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(transferCols).
				AddRow(3, 1, 2, 300, "rejected", "insufficient funds", 7, now, now))

		transfer, err := store.GetTransfer(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, models.TransferStatusRejected, transfer.Status)
		assert.Equal(t, "insufficient funds", transfer.Reason)
		require.NotNil(t, transfer.ResolvedBy)
		assert.Equal(t, int64(7), *transfer.ResolvedBy)
		assert.NotNil(t, transfer.ResolvedAt)
	})

	t.Run("totals", func(t *testing.T) {
		_, store, mock := newPostgresLedger(t)
		mock.ExpectQuery("SELECT (.+) FROM accounts").
			WillReturnRows(sqlmock.NewRows([]string{"balances", "credits", "negative"}).AddRow(900, 900, 0))

		totals, err := store.Totals(ctx)
		require.NoError(t, err)
		assert.True(t, totals.Balanced())
	})
}

func TestPostgresStore_ResolveTransfer(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, _ := test.NewNullLogger()
	store := NewPostgresStore(db)
	ledger := NewLedgerService(store, nil, logger, 0)
	authority := approveAll{}
	transfers := NewTransferService(store, ledger, authority, nil, logger, TransferServiceOptions{})
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM transfers WHERE id = \\$1").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(transferCols).AddRow(3, 1, 2, 300, "pending", nil, nil, now, nil))

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs(1).WillReturnRows(accountRow(1, 500, 1))
	mock.ExpectQuery(lockAccountQuery).WithArgs(2).WillReturnRows(accountRow(2, 0, 1))
	mock.ExpectQuery("SELECT (.+) FROM transfers WHERE id = \\$1 FOR UPDATE").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(transferCols).AddRow(3, 1, 2, 300, "pending", nil, nil, now, nil))
	mock.ExpectExec(updateBalanceQuery).WithArgs(200, sqlmock.AnyArg(), 1, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(1, 3, sqlmock.AnyArg(), -300, models.EntryTypeDebit, 200, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectExec(updateBalanceQuery).WithArgs(300, sqlmock.AnyArg(), 2, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(2, 3, sqlmock.AnyArg(), 300, models.EntryTypeCredit, 300, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, now))
	mock.ExpectExec("UPDATE transfers SET status = \\$1, reason = \\$2, resolved_by = \\$3, resolved_at = \\$4 WHERE id = \\$5").
		WithArgs("approved", sqlmock.AnyArg(), 9, sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resolved, err := transfers.Resolve(ctx, 3, 9, models.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusApproved, resolved.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type approveAll struct{}

func (approveAll) CanApprove(context.Context, int64) bool { return true }
