package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/shopspring/decimal"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// VerificationFilter narrows List queries. Nil fields are not filtered on.
type VerificationFilter struct {
	Currency  *model.Currency
	Confirmed *bool
	Credited  *bool
	UserID    *int64
	Limit     int
	Offset    int
}

// VerificationRepository provides access to deposit verification records.
// Records are append-only: there is no delete operation.
type VerificationRepository interface {
	// InsertIfAbsent creates the record unless one with the same
	// (txid, currency) already exists. Returns false on the duplicate path.
	InsertIfAbsent(ctx context.Context, v *model.Verification) (bool, error)

	// GetBatch selects up to limit uncompleted records (credited = false)
	// whose retry count is still below the ceiling, least recently checked
	// first.
	GetBatch(ctx context.Context, limit, maxRetries int) ([]model.Verification, error)

	Find(ctx context.Context, txid string, currency model.Currency) (*model.Verification, error)
	List(ctx context.Context, f VerificationFilter) ([]model.Verification, int, error)

	// RecordAttempt increments retry_count by exactly one, stamps
	// last_checked, and replaces error_message (nil clears it) and the
	// diagnostic meta snapshot (nil leaves it unchanged).
	RecordAttempt(ctx context.Context, txid string, currency model.Currency, errMsg *string, meta json.RawMessage) error

	// RecordAmount stores the matched output, even before confirmation.
	RecordAmount(ctx context.Context, txid string, currency model.Currency, matchedAddress string, amountMinor, amountMajor decimal.Decimal) error

	// MarkConfirmed flips confirmed to true at most once; repeated calls
	// keep the original confirmed_at.
	MarkConfirmed(ctx context.Context, txid string, currency model.Currency, at time.Time) error

	// MarkCreditedTx claims the credited flag inside the caller's
	// transaction. Returns false if the record was already credited, in
	// which case the caller must not touch the ledger.
	MarkCreditedTx(ctx context.Context, tx *sql.Tx, txid string, currency model.Currency, at time.Time) (bool, error)

	// SetUserID backfills the account to credit on a record that was
	// ingested without one. The retry budget is reset so an exhausted
	// record re-enters the next batch.
	SetUserID(ctx context.Context, txid string, currency model.Currency, userID int64) error
}

// WalletRepository provides access to merchant receiving addresses.
type WalletRepository interface {
	// ActiveAddress returns the single active address for the currency,
	// or nil if none is configured.
	ActiveAddress(ctx context.Context, currency model.Currency) (*model.WalletAddress, error)
	List(ctx context.Context) ([]model.WalletAddress, error)
	Upsert(ctx context.Context, w *model.WalletAddress) error
}

// LedgerRepository provides access to user account balances.
type LedgerRepository interface {
	// CreditTx applies balance = balance + amount atomically inside the
	// caller's transaction and returns the new balance. The increment is a
	// single SQL statement, never a read-modify-write round trip.
	CreditTx(ctx context.Context, tx *sql.Tx, userID int64, amount decimal.Decimal) (decimal.Decimal, error)

	// Account returns the ledger row for the user. Users that have never
	// been credited get a zero-balance row rather than an error.
	Account(ctx context.Context, userID int64) (*model.Account, error)
}
