package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for logic failures. These are detected before, or
// raised after, the unit of work is rolled back; callers can rely on
// zero side effects whenever one of them is returned.
var (
	// ErrValidation means a required field is missing or malformed.
	// Detected before any I/O.
	ErrValidation = errors.New("validation error")

	// ErrInvalidAmount means the amount did not parse to a positive decimal.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransfer means the source and destination account are the same.
	ErrInvalidTransfer = errors.New("source and destination accounts must differ")

	// ErrAccountNotFound means the referenced account has no registry row.
	ErrAccountNotFound = errors.New("account not found")

	// ErrConflict means concurrent transfers collided and bounded
	// retries were exhausted. The request is safe to retry.
	ErrConflict = errors.New("transfer conflicted with concurrent activity")
)

// InsufficientFundsError is returned when the overdraft guard trips.
// Balance carries the negative balance the transfer would have produced.
type InsufficientFundsError struct {
	AccountID string
	Balance   decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: resulting balance would be %s", e.Balance.String())
}

// PersistenceError wraps a storage failure. The unit of work is always
// rolled back before one of these is surfaced.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
