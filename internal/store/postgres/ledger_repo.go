package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lunarpay/depositd/internal/domain/model"
)

type LedgerRepo struct {
	db *DB
}

func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// CreditTx applies the increment as a single atomic statement. The balance
// never round-trips through the application, so concurrent credits for the
// same user cannot lose updates regardless of interleaving.
func (r *LedgerRepo) CreditTx(ctx context.Context, tx *sql.Tx, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = accounts.balance + $2::numeric,
			updated_at = now()
		RETURNING balance
	`, userID, amount.String()).Scan(&newBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit user %d: %w", userID, err)
	}
	return newBalance, nil
}

// Account loads the ledger row. A user that has never been credited gets a
// zero-balance row rather than an error.
func (r *LedgerRepo) Account(ctx context.Context, userID int64) (*model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var a model.Account
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return &model.Account{UserID: userID}, nil
		}
		return nil, fmt.Errorf("load account %d: %w", userID, err)
	}
	return &a, nil
}
