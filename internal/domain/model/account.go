package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a user ledger row. Balance is held in major units as
// NUMERIC(36,18); all mutations go through the atomic increment in the
// ledger repository.
type Account struct {
	UserID    int64           `db:"user_id"`
	Balance   decimal.Decimal `db:"balance"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}
