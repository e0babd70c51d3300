// Package btc queries an Esplora-compatible block explorer
// (blockstream.info and self-hosted esplora instances share this API).
package btc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lunarpay/depositd/internal/chain"
	"github.com/lunarpay/depositd/internal/chain/ratelimit"
	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/retry"
	"github.com/shopspring/decimal"
)

const currencyName = "btc"

type esploraTx struct {
	Txid   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"` // satoshi
	} `json:"vout"`
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
	return model.CurrencyBTC
}

// FetchTransaction resolves txid via GET /tx/{txid}. Esplora does not report
// a confirmation count, so mined transactions require a second call to
// GET /blocks/tip/height; a failed tip fetch fails the whole lookup rather
// than guessing a depth.
func (a *Adapter) FetchTransaction(ctx context.Context, txid string) (*chain.TxLookup, error) {
	body, status, err := a.get(ctx, "tx", "/tx/"+txid)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: %w", txid, err)
	}
	if status == http.StatusNotFound {
		return nil, chain.ErrTxNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch tx %s: http status %d: %s", txid, status, truncate(body))
	}

	var tx esploraTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txid, err)
	}

	lookup := &chain.TxLookup{}
	for _, vout := range tx.Vout {
		if vout.ScriptPubKeyAddress == "" {
			continue // non-standard or OP_RETURN output
		}
		lookup.Outputs = append(lookup.Outputs, chain.TxOutput{
			Address:    vout.ScriptPubKeyAddress,
			ValueMinor: decimal.NewFromInt(vout.Value),
		})
	}

	if !tx.Status.Confirmed {
		return lookup, nil
	}

	tip, err := a.tipHeight(ctx)
	if err != nil {
		// The chain already answered for the tx itself; a tip blip is worth
		// another batch.
		return nil, retry.Transient(fmt.Errorf("tip height for tx %s: %w", txid, err))
	}
	if tip >= tx.Status.BlockHeight {
		lookup.Confirmations = tip - tx.Status.BlockHeight + 1
	}

	return lookup, nil
}

// tipHeight fetches the current chain tip via GET /blocks/tip/height,
// which returns a bare decimal number.
func (a *Adapter) tipHeight(ctx context.Context) (int64, error) {
	body, status, err := a.get(ctx, "tip_height", "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("http status %d: %s", status, truncate(body))
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", strings.TrimSpace(string(body)), err)
	}
	return height, nil
}

func (a *Adapter) get(ctx context.Context, operation, path string) ([]byte, int, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	ratelimit.RecordCall(currencyName, operation, time.Since(start), err)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	return body, resp.StatusCode, nil
}

func truncate(b []byte) string {
	const max = 200
	s := string(b)
	if len(s) > max {
		return s[:max]
	}
	return s
}
