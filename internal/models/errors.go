package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the ledger. Call sites wrap them with a reason,
// e.g. fmt.Errorf("%w: amount must be positive", ErrValidation).
var (
	ErrValidation        = errors.New("validation error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrStorageFailure    = errors.New("storage failure")
	ErrDuplicateHandle   = errors.New("handle already registered")
	ErrForbidden         = errors.New("forbidden")
)

// Validation refusals that settlement can hit after a transfer was accepted.
// Both match ErrValidation under errors.Is.
var (
	ErrAccountDisabled = fmt.Errorf("%w: account disabled", ErrValidation)
	ErrBalanceOverflow = fmt.Errorf("%w: balance limit exceeded", ErrValidation)
)

// ErrorCode returns a stable machine-readable code for err, or "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrTransferNotFound):
		return "transfer_not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	case errors.Is(err, ErrDuplicateHandle):
		return "duplicate_handle"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
