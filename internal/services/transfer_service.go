package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banquesolidaire/ledger/internal/audit"
	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// SubmitTransferRequest is a transfer intent. SenderID is always the
// authenticated actor; the receiver may be named by id or by handle.
type SubmitTransferRequest struct {
	SenderID       int64  `json:"-"`
	ReceiverID     int64  `json:"receiverId" validate:"omitempty,gt=0"`
	ReceiverHandle string `json:"receiverHandle" validate:"omitempty,max=254"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"-"`
}

// TransferService runs the transfer state machine: submission, gating and
// resolution. Balance changes are delegated to the LedgerService and share
// its transaction, so a transfer's status always agrees with the balances.
type TransferService struct {
	store       Store
	ledger      *LedgerService
	authority   ApprovalAuthority
	events      EventPublisher
	idempotency *IdempotencyGuard
	audit       *audit.AuditLogger
	validator   *ValidationHelper
	log         logrus.FieldLogger
	autoApprove bool
}

type TransferServiceOptions struct {
	AutoApprove bool
	Idempotency *IdempotencyGuard
}

func NewTransferService(store Store, ledger *LedgerService, authority ApprovalAuthority, events EventPublisher, log logrus.FieldLogger, opts TransferServiceOptions) *TransferService {
	if events == nil {
		events = NopPublisher{}
	}
	return &TransferService{
		store:       store,
		ledger:      ledger,
		authority:   authority,
		events:      events,
		idempotency: opts.Idempotency,
		audit:       audit.NewAuditLogger(log),
		validator:   NewValidationHelper(),
		log:         log,
		autoApprove: opts.AutoApprove,
	}
}

func (s *TransferService) AutoApprove() bool {
	return s.autoApprove
}

// Submit validates a transfer intent and either settles it at once
// (auto-approve) or parks it as pending. In auto-approve mode a submission
// that cannot settle fails and leaves no transfer record behind.
func (s *TransferService) Submit(ctx context.Context, req SubmitTransferRequest) (*models.Transfer, error) {
	existingID, err := s.idempotency.Begin(ctx, req.SenderID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existingID != 0 {
		existing, err := s.store.GetTransfer(ctx, existingID)
		if err != nil {
			return nil, err
		}
		if err := s.sameRequest(ctx, existing, req); err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{
			"transfer_id":     existingID,
			"idempotency_key": req.IdempotencyKey,
		}).Info("Duplicate submission, returning existing transfer")
		return existing, nil
	}

	transfer, err := s.submit(ctx, req)
	if err != nil {
		s.idempotency.Release(ctx, req.SenderID, req.IdempotencyKey)
		return nil, err
	}
	s.idempotency.Complete(ctx, req.SenderID, req.IdempotencyKey, transfer.ID)
	return transfer, nil
}

// sameRequest refuses a retry whose sender, receiver or amount differ from
// the transfer first created under its idempotency key.
func (s *TransferService) sameRequest(ctx context.Context, existing *models.Transfer, req SubmitTransferRequest) error {
	mismatch := fmt.Errorf("%w: idempotency key reused with a different request", models.ErrValidation)
	if existing.SenderID != req.SenderID || existing.Amount != req.Amount {
		return mismatch
	}

	receiverID := req.ReceiverID
	if receiverID == 0 && req.ReceiverHandle != "" {
		receiver, err := s.store.GetAccountByHandle(ctx, req.ReceiverHandle)
		if errors.Is(err, models.ErrAccountNotFound) {
			return mismatch
		}
		if err != nil {
			return err
		}
		receiverID = receiver.ID
	}
	if receiverID != existing.ReceiverID {
		return mismatch
	}
	return nil
}

func (s *TransferService) submit(ctx context.Context, req SubmitTransferRequest) (*models.Transfer, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if err := s.ledger.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	receiver, err := s.lookupReceiver(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.SenderID == receiver.ID {
		return nil, fmt.Errorf("%w: sender and receiver must differ", models.ErrValidation)
	}
	if receiver.Disabled {
		return nil, fmt.Errorf("%w: receiver %d is disabled", models.ErrValidation, receiver.ID)
	}

	sender, err := s.store.GetAccount(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if sender.Disabled {
		return nil, fmt.Errorf("%w: sender %d is disabled", models.ErrValidation, sender.ID)
	}
	// Advisory only. The authoritative check is the locked debit.
	if sender.Balance < req.Amount {
		return nil, fmt.Errorf("%w: account %d has %d, needs %d", models.ErrInsufficientFunds, sender.ID, sender.Balance, req.Amount)
	}

	if s.autoApprove {
		return s.submitSettled(ctx, sender.ID, receiver.ID, req.Amount)
	}
	return s.submitPending(ctx, sender.ID, receiver.ID, req.Amount)
}

func (s *TransferService) lookupReceiver(ctx context.Context, req SubmitTransferRequest) (*models.Account, error) {
	var (
		receiver *models.Account
		err      error
	)
	switch {
	case req.ReceiverID != 0:
		receiver, err = s.store.GetAccount(ctx, req.ReceiverID)
	case req.ReceiverHandle != "":
		receiver, err = s.store.GetAccountByHandle(ctx, req.ReceiverHandle)
	default:
		return nil, fmt.Errorf("%w: receiver is required", models.ErrValidation)
	}
	if errors.Is(err, models.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	return receiver, err
}

func (s *TransferService) submitPending(ctx context.Context, senderID, receiverID, amount int64) (*models.Transfer, error) {
	transfer := &models.Transfer{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		Status:     models.TransferStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.store.Atomic(ctx, func(tx StoreTx) error {
		return tx.InsertTransfer(ctx, transfer)
	})
	if err != nil {
		s.audit.LogError("submit", senderID, err)
		return nil, err
	}

	s.audit.LogTransfer(transfer.ID, senderID, receiverID, amount, string(transfer.Status))
	s.events.Publish(models.Event{
		Type:       models.EventTransferPending,
		TransferID: transfer.ID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
	})
	return transfer, nil
}

func (s *TransferService) submitSettled(ctx context.Context, senderID, receiverID, amount int64) (*models.Transfer, error) {
	now := time.Now().UTC()
	var transfer *models.Transfer
	err := s.store.Atomic(ctx, func(tx StoreTx) error {
		locked, err := tx.LockAccounts(ctx, senderID, receiverID)
		if err != nil {
			return err
		}
		transfer = &models.Transfer{
			SenderID:   senderID,
			ReceiverID: receiverID,
			Amount:     amount,
			Status:     models.TransferStatusApproved,
			CreatedAt:  now,
			ResolvedAt: &now,
		}
		if err := tx.InsertTransfer(ctx, transfer); err != nil {
			return err
		}
		return s.ledger.settle(ctx, tx, locked, senderID, receiverID, amount, &transfer.ID)
	})
	if err != nil {
		s.audit.LogError("submit", senderID, err)
		return nil, err
	}

	s.audit.LogTransfer(transfer.ID, senderID, receiverID, amount, string(transfer.Status))
	s.events.Publish(models.Event{
		Type:       models.EventTransferSettled,
		TransferID: transfer.ID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
	})
	return transfer, nil
}

// Resolve approves or rejects a pending transfer on behalf of actorID. An
// approval that can no longer settle turns the transfer into a rejection;
// the rejected transfer is returned together with the settlement error.
func (s *TransferService) Resolve(ctx context.Context, transferID, actorID int64, decision models.Decision, reason string) (*models.Transfer, error) {
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return nil, fmt.Errorf("%w: decision must be %q or %q", models.ErrValidation, models.DecisionApprove, models.DecisionReject)
	}
	if len(reason) > 500 {
		return nil, fmt.Errorf("%w: reason longer than 500 characters", models.ErrValidation)
	}
	if !s.authority.CanApprove(ctx, actorID) {
		return nil, fmt.Errorf("%w: actor %d may not resolve transfers", models.ErrForbidden, actorID)
	}

	current, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: transfer %d is already %s", models.ErrInvalidState, transferID, current.Status)
	}
	if current.SenderID == actorID {
		return nil, fmt.Errorf("%w: actor %d cannot resolve their own transfer", models.ErrForbidden, actorID)
	}

	var (
		resolved *models.Transfer
		refusal  error
	)
	err = s.store.Atomic(ctx, func(tx StoreTx) error {
		refusal = nil
		locked, err := tx.LockAccounts(ctx, current.SenderID, current.ReceiverID)
		if err != nil {
			return err
		}
		// Re-read under the account locks; a concurrent resolution may have won.
		t, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Status != models.TransferStatusPending {
			return fmt.Errorf("%w: transfer %d is already %s", models.ErrInvalidState, transferID, t.Status)
		}

		now := time.Now().UTC()
		t.ResolvedBy = &actorID
		t.ResolvedAt = &now
		t.Reason = reason

		if decision == models.DecisionApprove {
			err := s.ledger.settle(ctx, tx, locked, t.SenderID, t.ReceiverID, t.Amount, &t.ID)
			switch {
			case err == nil:
				t.Status = models.TransferStatusApproved
			case isSettlementRefusal(err):
				refusal = err
				t.Status = models.TransferStatusRejected
				t.Reason = refusalReason(err)
			default:
				return err
			}
		} else {
			t.Status = models.TransferStatusRejected
		}

		if err := tx.UpdateTransfer(ctx, t); err != nil {
			return err
		}
		resolved = t
		return nil
	})
	if err != nil {
		s.audit.LogError("resolve", current.SenderID, err)
		return nil, err
	}

	s.audit.LogResolution(resolved.ID, actorID, string(decision), string(resolved.Status), resolved.Reason)

	event := models.Event{
		Type:       models.EventTransferSettled,
		TransferID: resolved.ID,
		SenderID:   resolved.SenderID,
		ReceiverID: resolved.ReceiverID,
		Amount:     resolved.Amount,
	}
	if resolved.Status == models.TransferStatusRejected {
		event.Type = models.EventTransferRejected
		event.Reason = resolved.Reason
	}
	s.events.Publish(event)

	if refusal != nil {
		return resolved, refusal
	}
	return resolved, nil
}

func refusalReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return "insufficient funds"
	case errors.Is(err, models.ErrAccountDisabled):
		return "account disabled"
	case errors.Is(err, models.ErrBalanceOverflow):
		return "receiver balance limit exceeded"
	default:
		return "settlement refused"
	}
}

// CreditAccount injects value into an account. Only approvers may credit.
func (s *TransferService) CreditAccount(ctx context.Context, actorID, accountID, amount int64) (*models.Credit, error) {
	if !s.authority.CanApprove(ctx, actorID) {
		return nil, fmt.Errorf("%w: actor %d may not credit accounts", models.ErrForbidden, actorID)
	}
	return s.ledger.Credit(ctx, actorID, accountID, amount)
}

func (s *TransferService) GetAccountBalance(ctx context.Context, accountID int64) (int64, error) {
	return s.ledger.Balance(ctx, accountID)
}

// ListPending returns pending transfers, oldest first.
func (s *TransferService) ListPending(ctx context.Context) ([]models.Transfer, error) {
	return s.store.ListPendingTransfers(ctx)
}

func (s *TransferService) Get(ctx context.Context, transferID int64) (*models.Transfer, error) {
	return s.store.GetTransfer(ctx, transferID)
}

// CanView reports whether actorID may read a transfer: its parties and
// approvers can.
func (s *TransferService) CanView(ctx context.Context, actorID int64, t *models.Transfer) bool {
	if t.SenderID == actorID || t.ReceiverID == actorID {
		return true
	}
	return s.authority.CanApprove(ctx, actorID)
}

func (s *TransferService) CanApprove(ctx context.Context, actorID int64) bool {
	return s.authority.CanApprove(ctx, actorID)
}
