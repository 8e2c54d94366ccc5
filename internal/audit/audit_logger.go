package audit

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	EventTransfer   = "TRANSFER"
	EventCredit     = "CREDIT"
	EventResolution = "RESOLUTION"
	EventError      = "ERROR"
)

type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	TransferID int64     `json:"transfer_id,omitempty"`
	AccountID  int64     `json:"account_id,omitempty"`
	ActorID    int64     `json:"actor_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Status     string    `json:"status"`
	Details    any       `json:"details,omitempty"`
}

// AuditLogger writes one structured entry per ledger decision. Entries carry
// audit=true so they can be routed apart from operational logs.
type AuditLogger struct {
	log logrus.FieldLogger
}

func NewAuditLogger(log logrus.FieldLogger) *AuditLogger {
	return &AuditLogger{log: log}
}

func (a *AuditLogger) LogTransfer(transferID, fromAccount, toAccount, amount int64, status string) {
	a.write(AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTransfer,
		TransferID: transferID,
		Amount:     amount,
		Status:     status,
		Details: map[string]int64{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

func (a *AuditLogger) LogCredit(creditID, accountID, actorID, amount int64) {
	a.write(AuditEvent{
		Timestamp: time.Now(),
		EventType: EventCredit,
		AccountID: accountID,
		ActorID:   actorID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]int64{"credit_id": creditID},
	})
}

func (a *AuditLogger) LogResolution(transferID, actorID int64, decision, status, reason string) {
	a.write(AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventResolution,
		TransferID: transferID,
		ActorID:    actorID,
		Status:     status,
		Details: map[string]string{
			"decision": decision,
			"reason":   reason,
		},
	})
}

func (a *AuditLogger) LogError(operation string, accountID int64, err error) {
	a.write(AuditEvent{
		Timestamp: time.Now(),
		EventType: EventError,
		AccountID: accountID,
		Status:    "FAILED",
		Details: map[string]string{
			"operation": operation,
			"error":     err.Error(),
		},
	})
}

func (a *AuditLogger) write(event AuditEvent) {
	entry := a.log.WithFields(logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"status":     event.Status,
		"timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if event.TransferID != 0 {
		entry = entry.WithField("transfer_id", event.TransferID)
	}
	if event.AccountID != 0 {
		entry = entry.WithField("account_id", event.AccountID)
	}
	if event.ActorID != 0 {
		entry = entry.WithField("actor_id", event.ActorID)
	}
	if event.Amount != 0 {
		entry = entry.WithField("amount", event.Amount)
	}
	if event.Details != nil {
		entry = entry.WithField("details", event.Details)
	}
	entry.Info("AUDIT")
}
