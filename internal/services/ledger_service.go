package services

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banquesolidaire/ledger/internal/audit"
	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultMaxAmount caps a single operation at one hundred million units of
// currency, expressed in minor units.
const DefaultMaxAmount int64 = 100_000_000_00

// OpenAccountRequest describes a registration.
type OpenAccountRequest struct {
	Handle         string `json:"handle" validate:"required,max=254"`
	Name           string `json:"name" validate:"max=100"`
	Role           string `json:"role" validate:"omitempty,oneof=user approver"`
	InitialBalance int64  `json:"initialBalance" validate:"gte=0"`
}

// LedgerService applies balance-changing operations. Every operation runs
// inside one Store.Atomic boundary, so a failure leaves no partial state.
type LedgerService struct {
	store     Store
	events    EventPublisher
	audit     *audit.AuditLogger
	validator *ValidationHelper
	log       logrus.FieldLogger
	maxAmount int64
}

func NewLedgerService(store Store, events EventPublisher, log logrus.FieldLogger, maxAmount int64) *LedgerService {
	if maxAmount <= 0 {
		maxAmount = DefaultMaxAmount
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &LedgerService{
		store:     store,
		events:    events,
		audit:     audit.NewAuditLogger(log),
		validator: NewValidationHelper(),
		log:       log,
		maxAmount: maxAmount,
	}
}

func (s *LedgerService) MaxAmount() int64 {
	return s.maxAmount
}

// ValidateAmount rejects amounts that are not positive or exceed the
// configured ceiling. It runs before any mutation is attempted.
func (s *LedgerService) ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if amount > s.maxAmount {
		return fmt.Errorf("%w: amount %d exceeds maximum %d", models.ErrValidation, amount, s.maxAmount)
	}
	return nil
}

// OpenAccount registers an account. A non-zero starting balance is booked as
// a credit from the system actor so that balances stay backed by credits.
func (s *LedgerService) OpenAccount(ctx context.Context, req OpenAccountRequest) (*models.Account, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	handle := NormalizeHandle(req.Handle)
	if handle == "" {
		return nil, fmt.Errorf("%w: handle is required", models.ErrValidation)
	}
	if req.InitialBalance > s.maxAmount {
		return nil, fmt.Errorf("%w: initial balance %d exceeds maximum %d", models.ErrValidation, req.InitialBalance, s.maxAmount)
	}
	role := req.Role
	if role == "" {
		role = models.RoleUser
	}

	account := &models.Account{
		Handle: handle,
		Name:   req.Name,
		Role:   role,
	}
	err := s.store.Atomic(ctx, func(tx StoreTx) error {
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		if req.InitialBalance > 0 {
			if _, err := s.credit(ctx, tx, account, models.SystemActorID, req.InitialBalance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"handle":     account.Handle,
		"role":       account.Role,
	}).Info("Account opened")
	return account, nil
}

// EnsureApprover returns the approver account registered under handle,
// opening it when the handle is free. An existing account without the
// approver role is an error.
func (s *LedgerService) EnsureApprover(ctx context.Context, handle string) (*models.Account, error) {
	account, err := s.store.GetAccountByHandle(ctx, handle)
	switch {
	case errors.Is(err, models.ErrAccountNotFound):
		return s.OpenAccount(ctx, OpenAccountRequest{Handle: handle, Role: models.RoleApprover})
	case err != nil:
		return nil, err
	case !account.IsApprover():
		return nil, fmt.Errorf("%w: account %q exists without the approver role", models.ErrInvalidState, account.Handle)
	default:
		return account, nil
	}
}

// Credit increases an account balance and appends a Credit audit record.
func (s *LedgerService) Credit(ctx context.Context, actorID, accountID, amount int64) (*models.Credit, error) {
	if err := s.ValidateAmount(amount); err != nil {
		return nil, err
	}

	var credit *models.Credit
	err := s.store.Atomic(ctx, func(tx StoreTx) error {
		locked, err := tx.LockAccounts(ctx, accountID)
		if err != nil {
			return err
		}
		account, ok := locked[accountID]
		if !ok {
			return fmt.Errorf("%w: id %d", models.ErrAccountNotFound, accountID)
		}
		if account.Disabled {
			return fmt.Errorf("%w: account %d is disabled", models.ErrValidation, accountID)
		}
		credit, err = s.credit(ctx, tx, account, actorID, amount)
		return err
	})
	if err != nil {
		s.audit.LogError("credit", accountID, err)
		return nil, err
	}

	s.audit.LogCredit(credit.ID, accountID, actorID, amount)
	s.events.Publish(models.Event{
		Type:      models.EventAccountCredited,
		AccountID: accountID,
		Amount:    amount,
	})
	return credit, nil
}

func (s *LedgerService) credit(ctx context.Context, tx StoreTx, account *models.Account, actorID, amount int64) (*models.Credit, error) {
	if account.Balance > math.MaxInt64-amount {
		return nil, fmt.Errorf("%w: account %d", models.ErrBalanceOverflow, account.ID)
	}

	credit := &models.Credit{
		AccountID: account.ID,
		ActorID:   actorID,
		Amount:    amount,
	}
	if err := tx.InsertCredit(ctx, credit); err != nil {
		return nil, err
	}
	if err := tx.SetBalance(ctx, account, account.Balance+amount); err != nil {
		return nil, err
	}
	if err := tx.InsertEntry(ctx, &models.LedgerEntry{
		AccountID: account.ID,
		CreditID:  &credit.ID,
		Amount:    amount,
		EntryType: models.EntryTypeCredit,
		Balance:   account.Balance,
	}); err != nil {
		return nil, err
	}
	return credit, nil
}

// Debit decreases an account balance, refusing to take it below zero.
func (s *LedgerService) Debit(ctx context.Context, accountID, amount int64) error {
	if err := s.ValidateAmount(amount); err != nil {
		return err
	}

	err := s.store.Atomic(ctx, func(tx StoreTx) error {
		locked, err := tx.LockAccounts(ctx, accountID)
		if err != nil {
			return err
		}
		account, ok := locked[accountID]
		if !ok {
			return fmt.Errorf("%w: id %d", models.ErrAccountNotFound, accountID)
		}
		return s.debit(ctx, tx, account, amount, nil)
	})
	if err != nil {
		s.audit.LogError("debit", accountID, err)
	}
	return err
}

func (s *LedgerService) debit(ctx context.Context, tx StoreTx, account *models.Account, amount int64, transferID *int64) error {
	if account.Balance < amount {
		return fmt.Errorf("%w: account %d has %d, needs %d", models.ErrInsufficientFunds, account.ID, account.Balance, amount)
	}
	if err := tx.SetBalance(ctx, account, account.Balance-amount); err != nil {
		return err
	}
	return tx.InsertEntry(ctx, &models.LedgerEntry{
		AccountID:  account.ID,
		TransferID: transferID,
		Amount:     -amount,
		EntryType:  models.EntryTypeDebit,
		Balance:    account.Balance,
	})
}

// SettleTransfer moves amount from sender to receiver. Either both the debit
// and the credit apply, or neither does.
func (s *LedgerService) SettleTransfer(ctx context.Context, senderID, receiverID, amount int64) error {
	if err := s.ValidateAmount(amount); err != nil {
		return err
	}
	if senderID == receiverID {
		return fmt.Errorf("%w: sender and receiver must differ", models.ErrValidation)
	}

	err := s.store.Atomic(ctx, func(tx StoreTx) error {
		locked, err := tx.LockAccounts(ctx, senderID, receiverID)
		if err != nil {
			return err
		}
		return s.settle(ctx, tx, locked, senderID, receiverID, amount, nil)
	})
	if err != nil {
		s.audit.LogError("settle", senderID, err)
	}
	return err
}

// settle is the in-transaction step shared with the transfer workflow. The
// caller must have locked both accounts through tx.
func (s *LedgerService) settle(ctx context.Context, tx StoreTx, locked map[int64]*models.Account, senderID, receiverID, amount int64, transferID *int64) error {
	from, ok := locked[senderID]
	if !ok {
		return fmt.Errorf("%w: sender %d", models.ErrAccountNotFound, senderID)
	}
	to, ok := locked[receiverID]
	if !ok {
		return fmt.Errorf("%w: receiver %d", models.ErrAccountNotFound, receiverID)
	}
	if from.Disabled {
		return fmt.Errorf("%w: sender %d", models.ErrAccountDisabled, senderID)
	}
	if to.Disabled {
		return fmt.Errorf("%w: receiver %d", models.ErrAccountDisabled, receiverID)
	}
	if to.Balance > math.MaxInt64-amount {
		return fmt.Errorf("%w: account %d", models.ErrBalanceOverflow, receiverID)
	}

	if err := s.debit(ctx, tx, from, amount, transferID); err != nil {
		return err
	}
	if err := tx.SetBalance(ctx, to, to.Balance+amount); err != nil {
		return err
	}
	return tx.InsertEntry(ctx, &models.LedgerEntry{
		AccountID:  to.ID,
		TransferID: transferID,
		Amount:     amount,
		EntryType:  models.EntryTypeCredit,
		Balance:    to.Balance,
	})
}

// Balance returns the current balance of an account in minor units.
func (s *LedgerService) Balance(ctx context.Context, accountID int64) (int64, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Statement returns the most recent ledger entries of an account, newest first.
func (s *LedgerService) Statement(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListEntries(ctx, accountID, limit)
}

// Credits returns the credit audit log, newest first.
func (s *LedgerService) Credits(ctx context.Context, limit int) ([]models.Credit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListCredits(ctx, limit)
}

// isSettlementRefusal reports whether a settle error is a business refusal
// that should reject a pending transfer rather than abort the resolution.
func isSettlementRefusal(err error) bool {
	return errors.Is(err, models.ErrInsufficientFunds) || errors.Is(err, models.ErrValidation)
}
