package doge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lunarpay/depositd/internal/chain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTxid = "f87a72a1c3f05b2dfc1e0e2ac52ff5ddca7bcfcedb1d45ef52e9978c7429dbef"

func TestFetchTransaction_DirectConfirmations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/txs/"+testTxid, r.URL.Path)
		w.Write([]byte(`{
			"hash": "` + testTxid + `",
			"confirmations": 7,
			"outputs": [
				{"addresses": ["DDogepartyxxxxxxxxxxxxxxxxxxw1dfzr"], "value": 5000000000},
				{"addresses": ["DAddr1", "DAddr2"], "value": 1},
				{"addresses": [], "value": 2}
			]
		}`))
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	lookup, err := a.FetchTransaction(context.Background(), testTxid)
	require.NoError(t, err)

	assert.Equal(t, int64(7), lookup.Confirmations)
	require.Len(t, lookup.Outputs, 1, "multisig and empty outputs dropped")
	assert.Equal(t, "DDogepartyxxxxxxxxxxxxxxxxxxw1dfzr", lookup.Outputs[0].Address)
	assert.True(t, lookup.Outputs[0].ValueMinor.Equal(decimal.NewFromInt(5_000_000_000)))
}

func TestFetchTransaction_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "Transaction not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	_, err := a.FetchTransaction(context.Background(), testTxid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrTxNotFound))
}

func TestFetchTransaction_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "API calls limits have been reached"}`))
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, nil)
	_, err := a.FetchTransaction(context.Background(), testTxid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limits have been reached")
}
