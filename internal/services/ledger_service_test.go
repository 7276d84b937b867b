package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/clearbook/backend/internal/models"
)

const (
	fromID = "6b1cbb0e-9d4f-4da6-b06f-8a4b5e2a8b0f"
	toID   = "f3a4f8a3-1cc7-45ce-9d6a-0f5ad0a3a64d"
)

func expectSourceLock(mock sqlmock.Sqlmock, accountID string) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(`SELECT id FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs(accountID)
}

func expectSuccessfulTransfer(mock sqlmock.Sqlmock, balanceAfter string) {
	mock.ExpectBegin()
	expectSourceLock(mock, fromID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fromID))
	mock.ExpectExec(`INSERT INTO transactions \(id, type, description, status\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(sqlmock.AnyArg(), models.TypeTransfer, "rent", models.TransactionPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries \(transaction_id, account_id, type, amount\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(sqlmock.AnyArg(), fromID, models.EntryDebit, "-300.00").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries \(transaction_id, account_id, type, amount\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(sqlmock.AnyArg(), toID, models.EntryCredit, "300.00").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries WHERE account_id = \$1`).
		WithArgs(fromID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(balanceAfter))
	mock.ExpectExec(`UPDATE transactions SET status = \$1 WHERE id = \$2`).
		WithArgs(models.TransactionCompleted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestLedgerService_Transfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, nil)
	ctx := context.Background()

	t.Run("successful transfer", func(t *testing.T) {
		expectSuccessfulTransfer(mock, "700.00")

		result, err := service.Transfer(ctx, fromID, toID, "300.00", "rent")
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionCompleted, result.Status)
		assert.NotEmpty(t, result.TransactionID)
		assert.True(t, result.Amount.Equal(decimal.RequireFromString("300.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds rolls everything back", func(t *testing.T) {
		mock.ExpectBegin()
		expectSourceLock(mock, fromID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fromID))
		mock.ExpectExec(`INSERT INTO transactions`).
			WithArgs(sqlmock.AnyArg(), models.TypeTransfer, "too much", models.TransactionPending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO ledger_entries`).
			WithArgs(sqlmock.AnyArg(), fromID, models.EntryDebit, "-150").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO ledger_entries`).
			WithArgs(sqlmock.AnyArg(), toID, models.EntryCredit, "150").
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries`).
			WithArgs(fromID).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("-50.00"))
		mock.ExpectRollback()

		result, err := service.Transfer(ctx, fromID, toID, "150", "too much")
		assert.Nil(t, result)

		var insufficient *InsufficientFundsError
		assert.ErrorAs(t, err, &insufficient)
		assert.Equal(t, fromID, insufficient.AccountID)
		assert.True(t, insufficient.Balance.Equal(decimal.RequireFromString("-50.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid amounts never touch the store", func(t *testing.T) {
		for _, raw := range []string{"abc", "-5", "0", "", "0.00001"} {
			result, err := service.Transfer(ctx, fromID, toID, raw, "")
			assert.Nil(t, result)
			assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", raw)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer is rejected", func(t *testing.T) {
		result, err := service.Transfer(ctx, fromID, fromID, "10.00", "")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrInvalidTransfer)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account ids are rejected", func(t *testing.T) {
		_, err := service.Transfer(ctx, "", toID, "10.00", "")
		assert.ErrorIs(t, err, ErrValidation)
		_, err = service.Transfer(ctx, fromID, "", "10.00", "")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown source account", func(t *testing.T) {
		mock.ExpectBegin()
		expectSourceLock(mock, fromID).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		result, err := service.Transfer(ctx, fromID, toID, "10.00", "")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("storage failure surfaces as persistence error", func(t *testing.T) {
		mock.ExpectBegin()
		expectSourceLock(mock, fromID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fromID))
		mock.ExpectExec(`INSERT INTO transactions`).
			WillReturnError(errors.New("disk on fire"))
		mock.ExpectRollback()

		_, err := service.Transfer(ctx, fromID, toID, "10.00", "")

		var persistence *PersistenceError
		assert.ErrorAs(t, err, &persistence)
		assert.Contains(t, persistence.Error(), "disk on fire")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_TransferConflictRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, nil)
	ctx := context.Background()

	t.Run("deadlock retried then succeeds", func(t *testing.T) {
		mock.ExpectBegin()
		expectSourceLock(mock, fromID).
			WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
		expectSuccessfulTransfer(mock, "700.00")

		result, err := service.Transfer(ctx, fromID, toID, "300.00", "rent")
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionCompleted, result.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict on the balance resolve is retried", func(t *testing.T) {
		mock.ExpectBegin()
		expectSourceLock(mock, fromID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fromID))
		mock.ExpectExec(`INSERT INTO transactions`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO ledger_entries`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO ledger_entries`).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries`).
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
		expectSuccessfulTransfer(mock, "700.00")

		result, err := service.Transfer(ctx, fromID, toID, "300.00", "rent")
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionCompleted, result.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("persistent conflict exhausts retries", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			mock.ExpectBegin()
			expectSourceLock(mock, fromID).
				WillReturnError(&pq.Error{Code: "40001"})
			mock.ExpectRollback()
		}

		result, err := service.Transfer(ctx, fromID, toID, "300.00", "rent")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, nil)
	ctx := context.Background()

	t.Run("account with entries", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries WHERE account_id = \$1`).
			WithArgs(fromID).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("1234.56"))

		balance, err := service.GetBalance(ctx, fromID)
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("1234.56")))
	})

	t.Run("unknown account resolves to zero", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries WHERE account_id = \$1`).
			WithArgs(toID).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

		balance, err := service.GetBalance(ctx, toID)
		assert.NoError(t, err)
		assert.True(t, balance.IsZero())
	})

	t.Run("read is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries WHERE account_id = \$1`).
				WithArgs(fromID).
				WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("700.00"))
		}

		first, err := service.GetBalance(ctx, fromID)
		assert.NoError(t, err)
		second, err := service.GetBalance(ctx, fromID)
		assert.NoError(t, err)
		assert.True(t, first.Equal(second))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query failure", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries`).
			WillReturnError(errors.New("connection reset"))

		_, err := service.GetBalance(ctx, fromID)

		var persistence *PersistenceError
		assert.ErrorAs(t, err, &persistence)
	})
}

func TestLedgerService_Deposit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, nil)
	ctx := context.Background()

	t.Run("successful deposit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM accounts WHERE id = \$1\)`).
			WithArgs(fromID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectExec(`INSERT INTO transactions`).
			WithArgs(sqlmock.AnyArg(), models.TypeDeposit, "initial load", models.TransactionCompleted).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO ledger_entries`).
			WithArgs(sqlmock.AnyArg(), fromID, models.EntryCredit, "1000.00").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Deposit(ctx, fromID, "1000.00", "initial load")
		assert.NoError(t, err)
		assert.Equal(t, models.TransactionCompleted, result.Status)
		assert.True(t, result.Amount.Equal(decimal.RequireFromString("1000.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM accounts WHERE id = \$1\)`).
			WithArgs(toID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		result, err := service.Deposit(ctx, toID, "50.00", "")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid amount", func(t *testing.T) {
		_, err := service.Deposit(ctx, fromID, "-1", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestLedgerService_BalanceCache(t *testing.T) {
	ctx := context.Background()

	t.Run("cache miss populates cache", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		service := NewLedgerService(db, redisClient)

		redisMock.ExpectGet("balance:" + fromID).RedisNil()
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM ledger_entries`).
			WithArgs(fromID).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("700.00"))
		redisMock.ExpectSet("balance:"+fromID, "700.00", balanceCacheTTL).SetVal("OK")

		balance, err := service.GetBalance(ctx, fromID)
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("700.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("cache hit skips the store", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		service := NewLedgerService(db, redisClient)

		redisMock.ExpectGet("balance:" + fromID).SetVal("42.42")

		balance, err := service.GetBalance(ctx, fromID)
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("42.42")))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("transfer invalidates both balances", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		service := NewLedgerService(db, redisClient)

		expectSuccessfulTransfer(mock, "700.00")
		redisMock.ExpectDel("balance:"+fromID, "balance:"+toID).SetVal(2)

		_, err = service.Transfer(ctx, fromID, toID, "300.00", "rent")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestParseAmount(t *testing.T) {
	t.Run("valid amounts", func(t *testing.T) {
		for raw, want := range map[string]string{
			"300.00":  "300.00",
			"0.01":    "0.01",
			"1000":    "1000",
			"99.9999": "99.9999",
			"1.50000": "1.5", // trailing zeros beyond the ledger scale are harmless
		} {
			amount, err := ParseAmount(raw)
			assert.NoError(t, err)
			assert.True(t, amount.Equal(decimal.RequireFromString(want)))
		}
	})

	t.Run("invalid amounts", func(t *testing.T) {
		for _, raw := range []string{"abc", "", "-5", "0", "0.00", "NaN", "1e"} {
			_, err := ParseAmount(raw)
			assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", raw)
		}
	})

	t.Run("amounts finer than the ledger scale", func(t *testing.T) {
		// NUMERIC(20, 4) would round these on insert, making the
		// stored entries disagree with the amount reported back.
		for _, raw := range []string{"0.00001", "1.23456", "99.99999"} {
			_, err := ParseAmount(raw)
			assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", raw)
		}
	})
}
