package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lunarpay/depositd/internal/domain/model"
)

type WalletRepo struct {
	db *DB
}

func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

func (r *WalletRepo) ActiveAddress(ctx context.Context, currency model.Currency) (*model.WalletAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var w model.WalletAddress
	err := r.db.QueryRowContext(ctx, `
		SELECT id, currency, address, label, is_active, created_at, updated_at
		FROM wallet_addresses
		WHERE currency = $1 AND is_active = TRUE
	`, currency).Scan(&w.ID, &w.Currency, &w.Address, &w.Label, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("active wallet address: %w", err)
	}
	return &w, nil
}

func (r *WalletRepo) List(ctx context.Context) ([]model.WalletAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, currency, address, label, is_active, created_at, updated_at
		FROM wallet_addresses
		ORDER BY currency, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list wallet addresses: %w", err)
	}
	defer rows.Close()

	var out []model.WalletAddress
	for rows.Next() {
		var w model.WalletAddress
		if err := rows.Scan(&w.ID, &w.Currency, &w.Address, &w.Label, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet address: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Upsert writes the address and, when it is active, deactivates any other
// active address for the same currency so the one-active-per-currency
// invariant holds.
func (r *WalletRepo) Upsert(ctx context.Context, w *model.WalletAddress) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert wallet: %w", err)
	}
	defer tx.Rollback()

	if w.IsActive {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallet_addresses SET is_active = FALSE, updated_at = now()
			WHERE currency = $1 AND is_active = TRUE AND address <> $2
		`, w.Currency, w.Address); err != nil {
			return fmt.Errorf("deactivate previous wallet address: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_addresses (currency, address, label, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (currency, address) DO UPDATE SET
			label = EXCLUDED.label,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, w.Currency, w.Address, w.Label, w.IsActive); err != nil {
		return fmt.Errorf("upsert wallet address: %w", err)
	}

	return tx.Commit()
}
