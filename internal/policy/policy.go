// Package policy maps a currency to the confirmation depth required before a
// deposit may be credited. Pure lookup, no I/O.
package policy

import (
	"fmt"

	"github.com/lunarpay/depositd/internal/domain/model"
)

// Policy holds per-currency confirmation thresholds.
type Policy struct {
	required map[model.Currency]int
}

// Default returns the production thresholds.
func Default() Policy {
	return Policy{required: map[model.Currency]int{
		model.CurrencyBTC:  2,
		model.CurrencyETH:  12,
		model.CurrencyDOGE: 6,
	}}
}

// New builds a policy from an explicit threshold table. Thresholds below 1
// are rejected.
func New(required map[model.Currency]int) (Policy, error) {
	for c, n := range required {
		if n < 1 {
			return Policy{}, fmt.Errorf("confirmation threshold for %s must be >= 1, got %d", c, n)
		}
	}
	m := make(map[model.Currency]int, len(required))
	for c, n := range required {
		m[c] = n
	}
	return Policy{required: m}, nil
}

// RequiredConfirmations returns the threshold for the currency. An unknown
// currency is a configuration error, never a zero default.
func (p Policy) RequiredConfirmations(c model.Currency) (int, error) {
	n, ok := p.required[c]
	if !ok {
		return 0, fmt.Errorf("no confirmation policy for currency %q", c)
	}
	return n, nil
}
