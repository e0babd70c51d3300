// Package eth queries an Etherscan-compatible explorer through its
// module=proxy JSON-RPC passthrough endpoints.
package eth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lunarpay/depositd/internal/chain"
	"github.com/lunarpay/depositd/internal/chain/ratelimit"
	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/retry"
	"github.com/shopspring/decimal"
)

const currencyName = "eth"

type proxyResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	// Non-proxy error envelope ({"status":"0","message":"NOTOK",...}).
	Status  string `json:"status"`
	Message string `json:"message"`
}

type proxyTx struct {
	Hash        string  `json:"hash"`
	BlockNumber *string `json:"blockNumber"` // hex; null while pending
	To          *string `json:"to"`          // null for contract creation
	Value       string  `json:"value"`       // hex wei
}

type Adapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
	limiter    *ratelimit.Limiter
}

var _ chain.Adapter = (*Adapter)(nil)

func NewAdapter(baseURL, apiKey string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger.With("currency", currencyName),
	}
}

// SetRateLimiter applies a rate limiter to all explorer calls.
func (a *Adapter) SetRateLimiter(l *ratelimit.Limiter) {
	a.limiter = l
}

func (a *Adapter) Currency() model.Currency {
	return model.CurrencyETH
}

// FetchTransaction resolves txid via eth_getTransactionByHash. An ETH
// transfer has a single destination, so the lookup carries at most one
// output: the `to` address with the wei value. Mined transactions need a
// second eth_blockNumber call for the depth.
func (a *Adapter) FetchTransaction(ctx context.Context, txid string) (*chain.TxLookup, error) {
	raw, err := a.proxyCall(ctx, "eth_getTransactionByHash", url.Values{"txhash": {txid}})
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: %w", txid, err)
	}
	if isNullResult(raw) {
		return nil, chain.ErrTxNotFound
	}

	var tx proxyTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txid, err)
	}

	lookup := &chain.TxLookup{}
	if tx.To != nil && *tx.To != "" {
		wei, err := parseHexQuantity(tx.Value)
		if err != nil {
			return nil, fmt.Errorf("parse value of tx %s: %w", txid, err)
		}
		lookup.Outputs = append(lookup.Outputs, chain.TxOutput{
			Address:    *tx.To,
			ValueMinor: wei,
		})
	}

	if tx.BlockNumber == nil || *tx.BlockNumber == "" {
		return lookup, nil // still in the mempool
	}

	blockNum, err := parseHexInt(*tx.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("parse block number of tx %s: %w", txid, err)
	}

	tipRaw, err := a.proxyCall(ctx, "eth_blockNumber", nil)
	if err != nil {
		// The tx itself resolved; a tip blip is worth another batch.
		return nil, retry.Transient(fmt.Errorf("tip height for tx %s: %w", txid, err))
	}
	var tipHex string
	if err := json.Unmarshal(tipRaw, &tipHex); err != nil {
		return nil, fmt.Errorf("decode tip height: %w", err)
	}
	tip, err := parseHexInt(tipHex)
	if err != nil {
		return nil, fmt.Errorf("parse tip height %q: %w", tipHex, err)
	}
	if tip >= blockNum {
		lookup.Confirmations = tip - blockNum + 1
	}

	return lookup, nil
}

func (a *Adapter) proxyCall(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	q := url.Values{}
	q.Set("module", "proxy")
	q.Set("action", action)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if a.apiKey != "" {
		q.Set("apikey", a.apiKey)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	ratelimit.RecordCall(currencyName, action, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(body))
	}

	var envelope proxyResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if envelope.Error != nil {
		// A JSON-RPC error means the request itself is malformed; retrying
		// the same txid cannot succeed.
		return nil, retry.Terminal(fmt.Errorf("proxy error %d: %s", envelope.Error.Code, envelope.Error.Message))
	}
	// Etherscan reports rate limiting through the non-proxy envelope with a
	// plain-string result.
	if envelope.Status == "0" && envelope.Message != "" {
		var detail string
		_ = json.Unmarshal(envelope.Result, &detail)
		return nil, fmt.Errorf("explorer error: %s: %s", envelope.Message, detail)
	}

	return envelope.Result, nil
}

func isNullResult(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func parseHexInt(s string) (int64, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("not a hex quantity: %q", s)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("hex quantity overflows int64: %q", s)
	}
	return v.Int64(), nil
}

func parseHexQuantity(s string) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("not a hex quantity: %q", s)
	}
	return decimal.NewFromBigInt(v, 0), nil
}

func truncate(b []byte) string {
	const max = 200
	s := string(b)
	if len(s) > max {
		return s[:max]
	}
	return s
}
