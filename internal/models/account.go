package models

import (
	"time"
)

// Account is a registry row. The balance is never stored here; it is
// always derived by summing the account's ledger entries.
type Account struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Type      string    `json:"type" db:"type"` // checking, savings, ...
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
