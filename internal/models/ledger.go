package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction statuses. A record is only ever durably observed as
// completed; pending rows die with the database transaction that
// created them.
const (
	TransactionPending   = "pending"
	TransactionCompleted = "completed"
)

// Transaction types.
const (
	TypeTransfer = "transfer"
	TypeDeposit  = "deposit"
)

// Ledger entry sides.
const (
	EntryDebit  = "debit"
	EntryCredit = "credit"
)

// Transaction groups the ledger entries of one money movement.
type Transaction struct {
	ID          string    `json:"id" db:"id"`
	Type        string    `json:"type" db:"type"`
	Description string    `json:"description" db:"description"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// LedgerEntry is one immutable signed movement against one account.
// Amount is negative for debits, positive for credits; a transfer's
// two entries always sum to zero.
type LedgerEntry struct {
	ID            int64           `json:"id" db:"id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	EntryType     string          `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TransferResult is returned to the caller after a successful commit.
type TransferResult struct {
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
}
