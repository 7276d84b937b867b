package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/clearbook/backend/internal/models"
)

const (
	// Bounded retry for transfers that lose a serialization or
	// deadlock race. Delay doubles per attempt.
	maxTransferAttempts = 3
	transferRetryDelay  = 25 * time.Millisecond

	balanceCacheTTL = 30 * time.Second

	// Finest amount granularity the ledger accepts. Matches the
	// NUMERIC(20, 4) column: anything finer would be silently rounded
	// by the store and disagree with the amount reported to the caller.
	maxAmountScale = 4
)

// queryRower is satisfied by both *sql.DB and *sql.Tx, so balance
// resolution runs identically as a standalone read and inside a
// transfer's own read view.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LedgerService owns the append-only ledger: the transactions and
// ledger_entries tables, and every unit of work that touches them.
type LedgerService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewLedgerService(db *sql.DB, redisClient *redis.Client) *LedgerService {
	return &LedgerService{db: db, redis: redisClient}
}

// ParseAmount converts a wire amount (JSON string or number) into a
// positive exact decimal with at most four fractional digits.
// Anything else is ErrInvalidAmount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(maxAmountScale)) {
		return decimal.Zero, ErrInvalidAmount
	}
	return amount, nil
}

// GetBalance derives an account's balance by summing its ledger
// entries. Unknown accounts have no entries and resolve to zero.
// Standalone reads go through the Redis cache when it is available;
// the cache is a short-lived projection, never the source of truth.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if cached, ok := s.cachedBalance(ctx, accountID); ok {
		return cached, nil
	}

	balance, err := s.resolveBalance(ctx, s.db, accountID)
	if err != nil {
		return decimal.Zero, &PersistenceError{Op: "resolve balance", Err: err}
	}

	s.cacheBalance(ctx, accountID, balance)
	return balance, nil
}

// resolveBalance is the fold over ledger entries. Inside a transfer it
// runs against the transaction's own read view and therefore sees the
// uncommitted entries staged by that transfer. Errors come back raw;
// each call site decides between retry classification and plain
// persistence wrapping.
func (s *LedgerService) resolveBalance(ctx context.Context, q queryRower, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`,
		accountID).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// Transfer moves amount from one account to another as a single unit
// of work: a pending transaction record, a debit and a credit entry,
// an overdraft check against the in-transaction balance, then the
// pending record flips to completed and everything commits together.
// Any failure rolls the whole unit back; no partial state survives.
//
// Concurrent transfers debiting the same account are serialized by a
// row lock on the source account, taken before any entry is written.
// Transfers on disjoint sources run fully in parallel.
func (s *LedgerService) Transfer(ctx context.Context, fromAccountID, toAccountID, rawAmount, description string) (*models.TransferResult, error) {
	if fromAccountID == "" || toAccountID == "" {
		return nil, ErrValidation
	}
	if fromAccountID == toAccountID {
		return nil, ErrInvalidTransfer
	}
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return nil, err
	}

	var result *models.TransferResult
	for attempt := 0; ; attempt++ {
		result, err = s.transferOnce(ctx, fromAccountID, toAccountID, amount, description)
		if !errors.Is(err, ErrConflict) || attempt+1 >= maxTransferAttempts {
			break
		}
		delay := transferRetryDelay << attempt
		log.Warn().
			Str("from", fromAccountID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Transfer conflicted, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &PersistenceError{Op: "transfer", Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}

	s.invalidateBalances(ctx, fromAccountID, toAccountID)
	log.Info().
		Str("transaction_id", result.TransactionID).
		Str("from", fromAccountID).
		Str("to", toAccountID).
		Str("amount", amount.String()).
		Msg("Transfer completed")
	return result, nil
}

func (s *LedgerService) transferOnce(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal, description string) (*models.TransferResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin transfer", Err: err}
	}
	defer tx.Rollback()

	// Serialize transfers sharing this source account. The lock is
	// held until commit or rollback, so the balance check below
	// cannot race another debit.
	var lockedID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM accounts WHERE id = $1 FOR UPDATE`,
		fromAccountID).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classifyTxError("lock source account", err)
	}

	transactionID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, type, description, status)
		VALUES ($1, $2, $3, $4)`,
		transactionID, models.TypeTransfer, description, models.TransactionPending)
	if err != nil {
		return nil, classifyTxError("create transaction record", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (transaction_id, account_id, type, amount)
		VALUES ($1, $2, $3, $4)`,
		transactionID, fromAccountID, models.EntryDebit, amount.Neg())
	if err != nil {
		return nil, classifyTxError("create debit entry", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (transaction_id, account_id, type, amount)
		VALUES ($1, $2, $3, $4)`,
		transactionID, toAccountID, models.EntryCredit, amount)
	if err != nil {
		return nil, classifyTxError("create credit entry", err)
	}

	// Overdraft guard: resolve the source balance inside this unit of
	// work, debit included. Negative means the transfer must not happen.
	balance, err := s.resolveBalance(ctx, tx, fromAccountID)
	if err != nil {
		return nil, classifyTxError("resolve source balance", err)
	}
	if balance.IsNegative() {
		return nil, &InsufficientFundsError{AccountID: fromAccountID, Balance: balance}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transactions SET status = $1 WHERE id = $2`,
		models.TransactionCompleted, transactionID)
	if err != nil {
		return nil, classifyTxError("complete transaction record", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyTxError("commit transfer", err)
	}

	return &models.TransferResult{
		TransactionID: transactionID,
		Status:        models.TransactionCompleted,
		Amount:        amount,
	}, nil
}

// Deposit credits an account with a single-entry deposit transaction.
// Used to load funds onto an account; unlike a transfer there is no
// debit side and no overdraft guard.
func (s *LedgerService) Deposit(ctx context.Context, accountID, rawAmount, description string) (*models.TransferResult, error) {
	if accountID == "" {
		return nil, ErrValidation
	}
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin deposit", Err: err}
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`,
		accountID).Scan(&exists)
	if err != nil {
		return nil, classifyTxError("check deposit account", err)
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	transactionID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, type, description, status)
		VALUES ($1, $2, $3, $4)`,
		transactionID, models.TypeDeposit, description, models.TransactionCompleted)
	if err != nil {
		return nil, classifyTxError("create deposit record", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (transaction_id, account_id, type, amount)
		VALUES ($1, $2, $3, $4)`,
		transactionID, accountID, models.EntryCredit, amount)
	if err != nil {
		return nil, classifyTxError("create deposit entry", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyTxError("commit deposit", err)
	}

	s.invalidateBalances(ctx, accountID)
	log.Info().
		Str("transaction_id", transactionID).
		Str("account_id", accountID).
		Str("amount", amount.String()).
		Msg("Deposit completed")
	return &models.TransferResult{
		TransactionID: transactionID,
		Status:        models.TransactionCompleted,
		Amount:        amount,
	}, nil
}

// classifyTxError separates retryable concurrency conflicts from hard
// storage failures. Postgres reports serialization failures as 40001
// and deadlocks as 40P01.
func classifyTxError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

func balanceCacheKey(accountID string) string {
	return "balance:" + accountID
}

func (s *LedgerService) cachedBalance(ctx context.Context, accountID string) (decimal.Decimal, bool) {
	if s.redis == nil {
		return decimal.Zero, false
	}
	val, err := s.redis.Get(ctx, balanceCacheKey(accountID)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	balance, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false
	}
	return balance, true
}

func (s *LedgerService) cacheBalance(ctx context.Context, accountID string, balance decimal.Decimal) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, balanceCacheKey(accountID), balance.String(), balanceCacheTTL).Err(); err != nil {
		log.Debug().Err(err).Str("account_id", accountID).Msg("Failed to cache balance")
	}
}

func (s *LedgerService) invalidateBalances(ctx context.Context, accountIDs ...string) {
	if s.redis == nil {
		return
	}
	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, balanceCacheKey(id))
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		log.Debug().Err(err).Msg("Failed to invalidate balance cache")
	}
}
