package chain

import (
	"fmt"
	"sort"

	"github.com/lunarpay/depositd/internal/domain/model"
)

// Registry holds the adapter set built at startup. Adding a currency means
// registering its adapter here; there is no runtime string-branch fallback.
type Registry struct {
	adapters map[model.Currency]Adapter
}

// NewRegistry builds a registry from the given adapters. Registering two
// adapters for the same currency is a wiring bug and fails fast.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[model.Currency]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		c := a.Currency()
		if _, dup := r.adapters[c]; dup {
			return nil, fmt.Errorf("duplicate adapter for currency %q", c)
		}
		r.adapters[c] = a
	}
	return r, nil
}

// Lookup returns the adapter for the currency, if one is registered.
func (r *Registry) Lookup(c model.Currency) (Adapter, bool) {
	a, ok := r.adapters[c]
	return a, ok
}

// Currencies returns the registered currencies in stable order.
func (r *Registry) Currencies() []model.Currency {
	out := make([]model.Currency, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
