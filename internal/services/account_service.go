package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clearbook/backend/internal/models"
)

// AccountService is the account registry. It owns the accounts table
// and nothing else; balances live in the ledger.
type AccountService struct {
	db *sql.DB
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{db: db}
}

// CreateAccount persists a new account row and returns the full record.
// A user may own any number of accounts.
func (s *AccountService) CreateAccount(ctx context.Context, userID, name, accountType string) (*models.Account, error) {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	accountType = strings.TrimSpace(accountType)
	if userID == "" || name == "" || accountType == "" {
		return nil, ErrValidation
	}

	account := &models.Account{
		ID:     uuid.New().String(),
		UserID: userID,
		Name:   name,
		Type:   accountType,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, user_id, name, type)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		account.ID, account.UserID, account.Name, account.Type).Scan(&account.CreatedAt)
	if err != nil {
		return nil, &PersistenceError{Op: "create account", Err: err}
	}

	log.Info().Str("account_id", account.ID).Str("user_id", account.UserID).Msg("Account created")
	return account, nil
}

// GetAccount looks up a single account row.
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, type, created_at
		FROM accounts
		WHERE id = $1`,
		accountID).Scan(&account.ID, &account.UserID, &account.Name, &account.Type, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get account", Err: err}
	}
	return &account, nil
}
