package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/shopspring/decimal"
)

// ErrTxNotFound reports that the explorer does not know the transaction.
// Distinct from network failures: the transaction may simply not have
// propagated yet.
var ErrTxNotFound = errors.New("transaction not found on chain")

// TxOutput is one destination an on-chain transaction paid to, in the
// currency's minor units (satoshi, wei, koinu).
type TxOutput struct {
	Address    string
	ValueMinor decimal.Decimal
}

// TxLookup is the normalized explorer view of a transaction. Confirmations
// is 0 while the transaction sits in the mempool; for mined transactions it
// is always derived from an explicit tip-height subtraction, never guessed.
type TxLookup struct {
	Confirmations int64
	Outputs       []TxOutput
}

// Adapter wraps one currency's block-explorer API.
type Adapter interface {
	// Currency returns the currency this adapter serves.
	Currency() model.Currency

	// FetchTransaction resolves txid into confirmation depth and outputs.
	// Returns ErrTxNotFound when the explorer has no such transaction.
	FetchTransaction(ctx context.Context, txid string) (*TxLookup, error)
}

// NormalizeAddress canonicalizes an address for comparison. Explorer-returned
// and operator-entered addresses may differ in casing and padding.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// AddressesEqual compares two addresses after normalization.
func AddressesEqual(a, b string) bool {
	na := NormalizeAddress(a)
	return na != "" && na == NormalizeAddress(b)
}
