package services

import (
	"context"
	"sort"
	"strings"

	"github.com/banquesolidaire/ledger/internal/models"
)

// Store is the durable state of the ledger. Reads are available directly;
// every write goes through Atomic so that balance changes and the records
// describing them commit together or not at all.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*models.Account, error)
	GetTransfer(ctx context.Context, id int64) (*models.Transfer, error)
	ListPendingTransfers(ctx context.Context) ([]models.Transfer, error)
	ListCredits(ctx context.Context, limit int) ([]models.Credit, error)
	ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error)
	Totals(ctx context.Context) (models.Totals, error)

	// Atomic runs fn inside a transactional boundary. Any error returned by
	// fn, or a cancelled ctx, discards every staged write.
	Atomic(ctx context.Context, fn func(tx StoreTx) error) error
}

// StoreTx is the write side of a Store, valid only inside Atomic.
type StoreTx interface {
	// LockAccounts acquires mutation rights on the given accounts in
	// ascending id order and returns the locked rows. Unknown ids are
	// absent from the result. It may be called once per transaction.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error)
	// SetBalance writes a new balance for an account returned by
	// LockAccounts and updates acct in place.
	SetBalance(ctx context.Context, acct *models.Account, balance int64) error
	InsertAccount(ctx context.Context, acct *models.Account) error
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) error
	InsertCredit(ctx context.Context, credit *models.Credit) error
	InsertTransfer(ctx context.Context, transfer *models.Transfer) error
	// GetTransferForUpdate reads a transfer for modification. Callers must
	// hold the locks of its sender and receiver.
	GetTransferForUpdate(ctx context.Context, id int64) (*models.Transfer, error)
	UpdateTransfer(ctx context.Context, transfer *models.Transfer) error
}

// NormalizeHandle trims and lower-cases an email or username so lookups are
// case-insensitive.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// lockOrder returns ids sorted ascending without duplicates. Every store
// acquires account locks in this order to avoid deadlocks between transfers
// crossing in opposite directions.
func lockOrder(ids []int64) []int64 {
	ordered := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	return ordered
}
