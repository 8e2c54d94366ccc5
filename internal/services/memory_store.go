package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
)

type memAccount struct {
	lock sync.Mutex // mutation rights, held for the life of a transaction
	row  models.Account
}

// MemoryStore keeps the ledger in process memory. Mutators of the same
// account are serialized through per-account locks; mu only guards the maps
// and is held briefly, so transfers on disjoint accounts do not wait on
// each other.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[int64]*memAccount
	handles   map[string]int64
	transfers map[int64]*models.Transfer
	credits   []models.Credit
	entries   []models.LedgerEntry

	nextAccountID  int64
	nextTransferID int64
	nextCreditID   int64
	nextEntryID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[int64]*memAccount),
		handles:   make(map[string]int64),
		transfers: make(map[int64]*models.Transfer),
	}
}

func (s *MemoryStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", models.ErrAccountNotFound, id)
	}
	row := acct.row
	return &row, nil
}

func (s *MemoryStore) GetAccountByHandle(ctx context.Context, handle string) (*models.Account, error) {
	s.mu.RLock()
	id, ok := s.handles[NormalizeHandle(handle)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: handle %q", models.ErrAccountNotFound, handle)
	}
	return s.GetAccount(ctx, id)
}

func (s *MemoryStore) GetTransfer(ctx context.Context, id int64) (*models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", models.ErrTransferNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListPendingTransfers(ctx context.Context) ([]models.Transfer, error) {
	s.mu.RLock()
	pending := make([]models.Transfer, 0)
	for _, t := range s.transfers {
		if t.Status == models.TransferStatusPending {
			pending = append(pending, *t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

func (s *MemoryStore) ListCredits(ctx context.Context, limit int) ([]models.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credits := make([]models.Credit, 0, len(s.credits))
	for i := len(s.credits) - 1; i >= 0; i-- {
		if limit > 0 && len(credits) == limit {
			break
		}
		credits = append(credits, s.credits[i])
	}
	return credits, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: id %d", models.ErrAccountNotFound, accountID)
	}

	entries := make([]models.LedgerEntry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) == limit {
			break
		}
		if s.entries[i].AccountID == accountID {
			entries = append(entries, s.entries[i])
		}
	}
	return entries, nil
}

func (s *MemoryStore) Totals(ctx context.Context) (models.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals models.Totals
	for _, acct := range s.accounts {
		totals.Balances += acct.row.Balance
		if acct.row.Balance < 0 {
			totals.NegativeAccounts++
		}
	}
	for _, c := range s.credits {
		totals.Credits += c.Amount
	}
	return totals, nil
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:     s,
		balances:  make(map[int64]int64),
		rows:      make(map[int64]*models.Account),
		transfers: make(map[int64]*models.Transfer),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

// memTx stages writes until commit. Reads of locked accounts and staged
// transfers see the staged values.
type memTx struct {
	store     *MemoryStore
	lockTaken bool
	locked    []*memAccount
	rows      map[int64]*models.Account

	balances    map[int64]int64
	newAccounts []int64
	transfers   map[int64]*models.Transfer
	credits     []models.Credit
	entries     []models.LedgerEntry
}

func (tx *memTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error) {
	if tx.lockTaken {
		return nil, errors.New("accounts already locked in this transaction")
	}
	tx.lockTaken = true

	result := make(map[int64]*models.Account, len(ids))
	for _, id := range lockOrder(ids) {
		tx.store.mu.RLock()
		acct, ok := tx.store.accounts[id]
		tx.store.mu.RUnlock()
		if !ok {
			continue
		}

		acct.lock.Lock()
		tx.locked = append(tx.locked, acct)

		tx.store.mu.RLock()
		row := acct.row
		tx.store.mu.RUnlock()
		tx.rows[id] = &row
		result[id] = &row
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (tx *memTx) SetBalance(ctx context.Context, acct *models.Account, balance int64) error {
	if _, ok := tx.rows[acct.ID]; !ok {
		return fmt.Errorf("account %d is not locked in this transaction", acct.ID)
	}
	tx.balances[acct.ID] = balance
	acct.Balance = balance
	acct.Version++
	acct.UpdatedAt = time.Now()
	return nil
}

func (tx *memTx) InsertAccount(ctx context.Context, acct *models.Account) error {
	now := time.Now()
	acct.ID = atomic.AddInt64(&tx.store.nextAccountID, 1)
	acct.Handle = NormalizeHandle(acct.Handle)
	acct.CreatedAt = now
	acct.UpdatedAt = now

	tx.store.mu.RLock()
	_, taken := tx.store.handles[acct.Handle]
	tx.store.mu.RUnlock()
	if taken {
		return fmt.Errorf("%w: %s", models.ErrDuplicateHandle, acct.Handle)
	}

	// A freshly inserted account is implicitly locked by this transaction.
	tx.newAccounts = append(tx.newAccounts, acct.ID)
	tx.rows[acct.ID] = acct
	return nil
}

func (tx *memTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	entry.ID = atomic.AddInt64(&tx.store.nextEntryID, 1)
	entry.CreatedAt = time.Now()
	tx.entries = append(tx.entries, *entry)
	return nil
}

func (tx *memTx) InsertCredit(ctx context.Context, credit *models.Credit) error {
	credit.ID = atomic.AddInt64(&tx.store.nextCreditID, 1)
	credit.CreatedAt = time.Now()
	tx.credits = append(tx.credits, *credit)
	return nil
}

func (tx *memTx) InsertTransfer(ctx context.Context, transfer *models.Transfer) error {
	transfer.ID = atomic.AddInt64(&tx.store.nextTransferID, 1)
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = time.Now()
	}
	cp := *transfer
	tx.transfers[transfer.ID] = &cp
	return nil
}

func (tx *memTx) GetTransferForUpdate(ctx context.Context, id int64) (*models.Transfer, error) {
	if staged, ok := tx.transfers[id]; ok {
		cp := *staged
		return &cp, nil
	}
	return tx.store.GetTransfer(ctx, id)
}

func (tx *memTx) UpdateTransfer(ctx context.Context, transfer *models.Transfer) error {
	if _, ok := tx.transfers[transfer.ID]; !ok {
		if _, err := tx.store.GetTransfer(ctx, transfer.ID); err != nil {
			return err
		}
	}
	cp := *transfer
	tx.transfers[transfer.ID] = &cp
	return nil
}

func (tx *memTx) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before applying anything.
	created := make(map[int64]bool, len(tx.newAccounts))
	for _, id := range tx.newAccounts {
		handle := tx.rows[id].Handle
		if _, taken := s.handles[handle]; taken {
			return fmt.Errorf("%w: %s", models.ErrDuplicateHandle, handle)
		}
		created[id] = true
	}
	for id, balance := range tx.balances {
		if balance < 0 {
			return fmt.Errorf("%w: account %d would go negative", models.ErrInsufficientFunds, id)
		}
	}

	for _, id := range tx.newAccounts {
		row := *tx.rows[id]
		s.accounts[id] = &memAccount{row: row}
		s.handles[row.Handle] = id
	}
	for id, balance := range tx.balances {
		if created[id] {
			continue
		}
		row := &s.accounts[id].row
		row.Balance = balance
		row.Version = tx.rows[id].Version
		row.UpdatedAt = tx.rows[id].UpdatedAt
	}
	for id, t := range tx.transfers {
		cp := *t
		s.transfers[id] = &cp
	}
	s.credits = append(s.credits, tx.credits...)
	s.entries = append(s.entries, tx.entries...)
	return nil
}

func (tx *memTx) release() {
	for i := len(tx.locked) - 1; i >= 0; i-- {
		tx.locked[i].lock.Unlock()
	}
	tx.locked = nil
}
