// Package doge queries a BlockCypher-compatible explorer. Unlike the BTC and
// ETH providers, BlockCypher reports the confirmation count directly, so no
// tip-height call is needed.
package doge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lunarpay/depositd/internal/chain"
	"github.com/lunarpay/depositd/internal/chain/ratelimit"
	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/shopspring/decimal"
)

const currencyName = "doge"

type blockcypherTx struct {
	Hash          string `json:"hash"`
	Confirmations int64  `json:"confirmations"`
	Outputs       []struct {
		Addresses []string `json:"addresses"`
		Value     int64    `json:"value"` // koinu
	} `json:"outputs"`
	Error string `json:"error"`
}

type Adapter struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
}

var _ chain.Adapter = (*Adapter)(nil)

func NewAdapter(baseURL string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("currency", currencyName),
	}
}

// SetRateLimiter applies a rate limiter to all explorer calls.
func (a *Adapter) SetRateLimiter(l *ratelimit.Limiter) {
	a.limiter = l
}

func (a *Adapter) Currency() model.Currency {
	return model.CurrencyDOGE
}

// FetchTransaction resolves txid via GET /txs/{hash}.
func (a *Adapter) FetchTransaction(ctx context.Context, txid string) (*chain.TxLookup, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/txs/"+txid, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	ratelimit.RecordCall(currencyName, "tx", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: http request: %w", txid, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: read response: %w", txid, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, chain.ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tx %s: http status %d: %s", txid, resp.StatusCode, truncate(body))
	}

	var tx blockcypherTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txid, err)
	}
	if tx.Error != "" {
		return nil, fmt.Errorf("fetch tx %s: explorer error: %s", txid, tx.Error)
	}

	lookup := &chain.TxLookup{Confirmations: tx.Confirmations}
	for _, out := range tx.Outputs {
		// Multisig outputs list several addresses; only single-address
		// outputs can be attributed to the merchant wallet.
		if len(out.Addresses) != 1 || out.Addresses[0] == "" {
			continue
		}
		lookup.Outputs = append(lookup.Outputs, chain.TxOutput{
			Address:    out.Addresses[0],
			ValueMinor: decimal.NewFromInt(out.Value),
		})
	}

	return lookup, nil
}

func truncate(b []byte) string {
	const max = 200
	s := string(b)
	if len(s) > max {
		return s[:max]
	}
	return s
}
