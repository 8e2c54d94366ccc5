package models

import (
	"time"
)

type TransferStatus string

const (
	TransferStatusPending  TransferStatus = "pending"
	TransferStatusApproved TransferStatus = "approved"
	TransferStatusRejected TransferStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusApproved || s == TransferStatusRejected
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Transfer represents a requested movement of value between two accounts
type Transfer struct {
	ID         int64          `json:"id" db:"id"`
	SenderID   int64          `json:"sender_id" db:"sender_id"`
	ReceiverID int64          `json:"receiver_id" db:"receiver_id"`
	Amount     int64          `json:"amount" db:"amount"` // in cents
	Status     TransferStatus `json:"status" db:"status"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	ResolvedBy *int64         `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Credit is an append-only record of an administrative balance injection.
type Credit struct {
	ID        int64     `json:"id" db:"id"`
	AccountID int64     `json:"account_id" db:"account_id"`
	ActorID   int64     `json:"actor_id" db:"actor_id"`
	Amount    int64     `json:"amount" db:"amount"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
