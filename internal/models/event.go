package models

import (
	"time"
)

type EventType string

const (
	EventTransferPending  EventType = "transfer.pending"
	EventTransferSettled  EventType = "transfer.settled"
	EventTransferRejected EventType = "transfer.rejected"
	EventAccountCredited  EventType = "account.credited"
)

// Event is emitted after a ledger change has committed. Consumers receive it
// at most once.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	TransferID int64     `json:"transfer_id,omitempty"`
	SenderID   int64     `json:"sender_id,omitempty"`
	ReceiverID int64     `json:"receiver_id,omitempty"`
	AccountID  int64     `json:"account_id,omitempty"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AccountIDs lists the accounts an event concerns.
func (e Event) AccountIDs() []int64 {
	switch e.Type {
	case EventAccountCredited:
		return []int64{e.AccountID}
	default:
		return []int64{e.SenderID, e.ReceiverID}
	}
}
