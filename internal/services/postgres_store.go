package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const accountColumns = `id, handle, name, role, balance, disabled, version, created_at, updated_at`

const transferColumns = `id, sender_id, receiver_id, amount, status, reason, resolved_by, created_at, resolved_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.Handle, &account.Name, &account.Role, &account.Balance,
		&account.Disabled, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var (
		t          models.Transfer
		status     string
		reason     sql.NullString
		resolvedBy sql.NullInt64
		resolvedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &status, &reason,
		&resolvedBy, &t.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TransferStatus(status)
	t.Reason = reason.String
	if resolvedBy.Valid {
		t.ResolvedBy = &resolvedBy.Int64
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	return &t, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorageFailure, op, err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", models.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get account", err)
	}
	return account, nil
}

func (s *PostgresStore) GetAccountByHandle(ctx context.Context, handle string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE handle = $1`, NormalizeHandle(handle)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: handle %q", models.ErrAccountNotFound, handle)
	}
	if err != nil {
		return nil, storageErr("get account by handle", err)
	}
	return account, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id int64) (*models.Transfer, error) {
	return getTransfer(ctx, s.db, id, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTransfer(ctx context.Context, q queryer, id int64, forUpdate bool) (*models.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	t, err := scanTransfer(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", models.ErrTransferNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get transfer", err)
	}
	return t, nil
}

func (s *PostgresStore) ListPendingTransfers(ctx context.Context) ([]models.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = $1
		ORDER BY created_at ASC, id ASC`, string(models.TransferStatusPending))
	if err != nil {
		return nil, storageErr("list pending transfers", err)
	}
	defer rows.Close()

	transfers := []models.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, storageErr("scan transfer", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending transfers", err)
	}
	return transfers, nil
}

func (s *PostgresStore) ListCredits(ctx context.Context, limit int) ([]models.Credit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, actor_id, amount, created_at
		FROM credits
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, storageErr("list credits", err)
	}
	defer rows.Close()

	credits := []models.Credit{}
	for rows.Next() {
		var c models.Credit
		if err := rows.Scan(&c.ID, &c.AccountID, &c.ActorID, &c.Amount, &c.CreatedAt); err != nil {
			return nil, storageErr("scan credit", err)
		}
		credits = append(credits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list credits", err)
	}
	return credits, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, transfer_id, credit_id, amount, entry_type, balance, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var (
			e          models.LedgerEntry
			transferID sql.NullInt64
			creditID   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &transferID, &creditID, &e.Amount, &e.EntryType, &e.Balance, &e.CreatedAt); err != nil {
			return nil, storageErr("scan entry", err)
		}
		if transferID.Valid {
			e.TransferID = &transferID.Int64
		}
		if creditID.Valid {
			e.CreditID = &creditID.Int64
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list entries", err)
	}
	return entries, nil
}

func (s *PostgresStore) Totals(ctx context.Context) (models.Totals, error) {
	var totals models.Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(balance), 0) FROM accounts),
			(SELECT COALESCE(SUM(amount), 0) FROM credits),
			(SELECT COUNT(*) FROM accounts WHERE balance < 0)`).
		Scan(&totals.Balances, &totals.Credits, &totals.NegativeAccounts)
	if err != nil {
		return totals, storageErr("totals", err)
	}
	return totals, nil
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx StoreTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

type pgTx struct {
	tx        *sql.Tx
	lockTaken bool
}

func (p *pgTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error) {
	if p.lockTaken {
		return nil, errors.New("accounts already locked in this transaction")
	}
	p.lockTaken = true

	// Lock accounts in consistent order to prevent deadlocks
	locked := make(map[int64]*models.Account, len(ids))
	for _, id := range lockOrder(ids) {
		account, err := scanAccount(p.tx.QueryRowContext(ctx, `
			SELECT `+accountColumns+`
			FROM accounts
			WHERE id = $1
			FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, storageErr("lock account", err)
		}
		locked[id] = account
	}
	return locked, nil
}

func (p *pgTx) SetBalance(ctx context.Context, acct *models.Account, balance int64) error {
	now := time.Now()
	result, err := p.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		balance, now, acct.ID, acct.Version)
	if err != nil {
		return storageErr("update balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageErr("update balance", err)
	}
	if rowsAffected == 0 {
		return storageErr("update balance", fmt.Errorf("optimistic lock failed for account %d", acct.ID))
	}

	acct.Balance = balance
	acct.Version++
	acct.UpdatedAt = now
	return nil
}

func (p *pgTx) InsertAccount(ctx context.Context, acct *models.Account) error {
	acct.Handle = NormalizeHandle(acct.Handle)
	err := p.tx.QueryRowContext(ctx, `
		INSERT INTO accounts (handle, name, role, balance, disabled, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, 0, $5, $5)
		RETURNING id, created_at, updated_at`,
		acct.Handle, acct.Name, acct.Role, acct.Disabled, time.Now()).
		Scan(&acct.ID, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", models.ErrDuplicateHandle, acct.Handle)
		}
		return storageErr("insert account", err)
	}
	acct.Balance = 0
	acct.Version = 0
	return nil
}

func (p *pgTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	err := p.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (account_id, transfer_id, credit_id, amount, entry_type, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.AccountID, entry.TransferID, entry.CreditID, entry.Amount, entry.EntryType, entry.Balance, time.Now()).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return storageErr("insert ledger entry", err)
	}
	return nil
}

func (p *pgTx) InsertCredit(ctx context.Context, credit *models.Credit) error {
	err := p.tx.QueryRowContext(ctx, `
		INSERT INTO credits (account_id, actor_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		credit.AccountID, credit.ActorID, credit.Amount, time.Now()).
		Scan(&credit.ID, &credit.CreatedAt)
	if err != nil {
		return storageErr("insert credit", err)
	}
	return nil
}

func (p *pgTx) InsertTransfer(ctx context.Context, transfer *models.Transfer) error {
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = time.Now()
	}
	err := p.tx.QueryRowContext(ctx, `
		INSERT INTO transfers (sender_id, receiver_id, amount, status, reason, resolved_by, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		transfer.SenderID, transfer.ReceiverID, transfer.Amount, string(transfer.Status),
		nullString(transfer.Reason), transfer.ResolvedBy, transfer.CreatedAt, transfer.ResolvedAt).
		Scan(&transfer.ID)
	if err != nil {
		return storageErr("insert transfer", err)
	}
	return nil
}

func (p *pgTx) GetTransferForUpdate(ctx context.Context, id int64) (*models.Transfer, error) {
	return getTransfer(ctx, p.tx, id, true)
}

func (p *pgTx) UpdateTransfer(ctx context.Context, transfer *models.Transfer) error {
	result, err := p.tx.ExecContext(ctx, `
		UPDATE transfers
		SET status = $1, reason = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $5`,
		string(transfer.Status), nullString(transfer.Reason), transfer.ResolvedBy, transfer.ResolvedAt, transfer.ID)
	if err != nil {
		return storageErr("update transfer", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageErr("update transfer", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: id %d", models.ErrTransferNotFound, transfer.ID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
