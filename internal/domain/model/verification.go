package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Verification tracks one candidate deposit transaction from first sighting
// through confirmation and crediting. (txid, currency) is the natural key;
// the storage layer enforces its uniqueness.
type Verification struct {
	ID             uuid.UUID       `db:"id"`
	TxID           string          `db:"txid"`
	Currency       Currency        `db:"currency"`
	UserID         *int64          `db:"user_id"`
	MatchedAddress *string         `db:"matched_address"`
	AmountMinor    decimal.Decimal `db:"amount_minor"` // NUMERIC(78,0)
	AmountMajor    decimal.Decimal `db:"amount_major"` // NUMERIC(36,18)
	Confirmed      bool            `db:"confirmed"`
	ConfirmedAt    *time.Time      `db:"confirmed_at"`
	Credited       bool            `db:"credited"`
	CreditedAt     *time.Time      `db:"credited_at"`
	RetryCount     int             `db:"retry_count"`
	ErrorMessage   *string         `db:"error_message"`
	LastChecked    *time.Time      `db:"last_checked"`
	FirstSeen      time.Time       `db:"first_seen"`
	Meta           json.RawMessage `db:"meta"`
}
