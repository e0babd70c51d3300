package btc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lunarpay/depositd/internal/chain"
	"github.com/lunarpay/depositd/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTxid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func newTestServer(t *testing.T, txStatus int, txBody string, tipStatus int, tipBody string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/" + testTxid:
			w.WriteHeader(txStatus)
			w.Write([]byte(txBody))
		case "/blocks/tip/height":
			w.WriteHeader(tipStatus)
			w.Write([]byte(tipBody))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchTransaction_ConfirmedDepthFromTip(t *testing.T) {
	txBody := `{
		"txid": "` + testTxid + `",
		"status": {"confirmed": true, "block_height": 850000},
		"vout": [
			{"scriptpubkey_address": "bc1qxyz", "value": 50000000},
			{"scriptpubkey_address": "", "value": 0},
			{"scriptpubkey_address": "bc1qchange", "value": 123}
		]
	}`
	srv := newTestServer(t, http.StatusOK, txBody, http.StatusOK, "850001")
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	lookup, err := a.FetchTransaction(context.Background(), testTxid)
	require.NoError(t, err)

	// tip 850001 - height 850000 + 1 = 2 confirmations
	assert.Equal(t, int64(2), lookup.Confirmations)
	require.Len(t, lookup.Outputs, 2, "address-less output dropped")
	assert.Equal(t, "bc1qxyz", lookup.Outputs[0].Address)
	assert.True(t, lookup.Outputs[0].ValueMinor.Equal(decimal.NewFromInt(50_000_000)))
}

func TestFetchTransaction_MempoolHasZeroConfirmations(t *testing.T) {
	txBody := `{
		"txid": "` + testTxid + `",
		"status": {"confirmed": false},
		"vout": [{"scriptpubkey_address": "bc1qxyz", "value": 1000}]
	}`
	srv := newTestServer(t, http.StatusOK, txBody, http.StatusOK, "850001")
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	lookup, err := a.FetchTransaction(context.Background(), testTxid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lookup.Confirmations)
	assert.Len(t, lookup.Outputs, 1)
}

func TestFetchTransaction_NotFound(t *testing.T) {
	srv := newTestServer(t, http.StatusNotFound, "Transaction not found", http.StatusOK, "850001")
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	_, err := a.FetchTransaction(context.Background(), testTxid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrTxNotFound))
}

func TestFetchTransaction_ServerErrorIsNotNotFound(t *testing.T) {
	srv := newTestServer(t, http.StatusServiceUnavailable, "overloaded", http.StatusOK, "850001")
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	_, err := a.FetchTransaction(context.Background(), testTxid)
	require.Error(t, err)
	assert.False(t, errors.Is(err, chain.ErrTxNotFound))
	assert.Contains(t, err.Error(), "http status 503")
}

func TestFetchTransaction_TipFetchFailureFailsLookup(t *testing.T) {
	txBody := `{
		"txid": "` + testTxid + `",
		"status": {"confirmed": true, "block_height": 850000},
		"vout": [{"scriptpubkey_address": "bc1qxyz", "value": 1000}]
	}`
	srv := newTestServer(t, http.StatusOK, txBody, http.StatusBadGateway, "bad gateway")
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	_, err := a.FetchTransaction(context.Background(), testTxid)
	require.Error(t, err, "confirmed-with-unknown-depth must not be reported as depth 1")
	assert.Contains(t, err.Error(), "tip height")
	assert.True(t, retry.Classify(err).IsTransient(), "tip failures are retried next batch")
}
