package model

import (
	"time"

	"github.com/google/uuid"
)

// WalletAddress is a merchant-controlled receiving address. At most one
// address per currency is active at a time; deposits are matched against it.
type WalletAddress struct {
	ID        uuid.UUID `db:"id"`
	Currency  Currency  `db:"currency"`
	Address   string    `db:"address"`
	Label     *string   `db:"label"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
