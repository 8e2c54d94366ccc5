package models

import (
	"time"
)

const (
	EntryTypeDebit  = "DEBIT"
	EntryTypeCredit = "CREDIT"
)

const (
	RoleUser     = "user"
	RoleApprover = "approver"
)

// SystemActorID identifies credits issued by the ledger itself, such as an
// opening balance granted at registration.
const SystemActorID int64 = 0

type LedgerEntry struct {
	ID         int64     `json:"id" db:"id"`
	AccountID  int64     `json:"account_id" db:"account_id"`
	TransferID *int64    `json:"transfer_id,omitempty" db:"transfer_id"`
	CreditID   *int64    `json:"credit_id,omitempty" db:"credit_id"`
	Amount     int64     `json:"amount" db:"amount"`         // in cents, negative for debits
	EntryType  string    `json:"entry_type" db:"entry_type"` // DEBIT or CREDIT
	Balance    int64     `json:"balance" db:"balance"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type Account struct {
	ID        int64     `json:"id" db:"id"`
	Handle    string    `json:"handle" db:"handle"`
	Name      string    `json:"name" db:"name"`
	Role      string    `json:"role" db:"role"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	Disabled  bool      `json:"disabled" db:"disabled"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsApprover reports whether the account may resolve pending transfers and
// issue administrative credits.
func (a *Account) IsApprover() bool {
	return a != nil && !a.Disabled && a.Role == RoleApprover
}

// Totals is a point-in-time aggregate used to check conservation.
type Totals struct {
	Balances         int64 `json:"balances"`
	Credits          int64 `json:"credits"`
	NegativeAccounts int   `json:"negative_accounts"`
}

// Balanced reports whether every unit in circulation is backed by a credit
// and no account is overdrawn.
func (t Totals) Balanced() bool {
	return t.Balances == t.Credits && t.NegativeAccounts == 0
}
