package admin

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/store"
	redispkg "github.com/lunarpay/depositd/internal/store/redis"
	"github.com/lunarpay/depositd/internal/verify"
)

// --- Mock repositories ---

type mockVerificationRepo struct {
	insertFunc  func(ctx context.Context, v *model.Verification) (bool, error)
	findFunc    func(ctx context.Context, txid string, currency model.Currency) (*model.Verification, error)
	listFunc    func(ctx context.Context, f store.VerificationFilter) ([]model.Verification, int, error)
	setUserFunc func(ctx context.Context, txid string, currency model.Currency, userID int64) error
}

func (m *mockVerificationRepo) InsertIfAbsent(ctx context.Context, v *model.Verification) (bool, error) {
	return m.insertFunc(ctx, v)
}

func (m *mockVerificationRepo) GetBatch(context.Context, int, int) ([]model.Verification, error) {
	return nil, errors.New("not implemented")
}

func (m *mockVerificationRepo) Find(ctx context.Context, txid string, currency model.Currency) (*model.Verification, error) {
	return m.findFunc(ctx, txid, currency)
}

func (m *mockVerificationRepo) List(ctx context.Context, f store.VerificationFilter) ([]model.Verification, int, error) {
	return m.listFunc(ctx, f)
}

func (m *mockVerificationRepo) RecordAttempt(context.Context, string, model.Currency, *string, json.RawMessage) error {
	return errors.New("not implemented")
}

func (m *mockVerificationRepo) RecordAmount(context.Context, string, model.Currency, string, decimal.Decimal, decimal.Decimal) error {
	return errors.New("not implemented")
}

func (m *mockVerificationRepo) MarkConfirmed(context.Context, string, model.Currency, time.Time) error {
	return errors.New("not implemented")
}

func (m *mockVerificationRepo) MarkCreditedTx(context.Context, *sql.Tx, string, model.Currency, time.Time) (bool, error) {
	return false, errors.New("not implemented")
}

func (m *mockVerificationRepo) SetUserID(ctx context.Context, txid string, currency model.Currency, userID int64) error {
	return m.setUserFunc(ctx, txid, currency, userID)
}

type mockWalletRepo struct {
	listFunc   func(ctx context.Context) ([]model.WalletAddress, error)
	upsertFunc func(ctx context.Context, w *model.WalletAddress) error
}

func (m *mockWalletRepo) ActiveAddress(context.Context, model.Currency) (*model.WalletAddress, error) {
	return nil, errors.New("not implemented")
}

func (m *mockWalletRepo) List(ctx context.Context) ([]model.WalletAddress, error) {
	return m.listFunc(ctx)
}

func (m *mockWalletRepo) Upsert(ctx context.Context, w *model.WalletAddress) error {
	return m.upsertFunc(ctx, w)
}

type mockRunner struct {
	runFunc func(ctx context.Context, batchSize int) (*verify.Summary, error)
}

func (m *mockRunner) Run(ctx context.Context, batchSize int) (*verify.Summary, error) {
	return m.runFunc(ctx, batchSize)
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// --- Tests ---

func TestHandleRunBatch(t *testing.T) {
	var gotBatchSize int
	runner := &mockRunner{
		runFunc: func(_ context.Context, batchSize int) (*verify.Summary, error) {
			gotBatchSize = batchSize
			return &verify.Summary{RunID: "run-1", Total: 2, Credited: 1, StillPending: 1}, nil
		},
	}
	srv := NewServer(&mockVerificationRepo{}, &mockWalletRepo{}, testLogger(), WithBatchRunner(runner))

	rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/verify/run", map[string]int{"batch_size": 25})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 25, gotBatchSize)

	var summary verify.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 2, summary.Total)
}

func TestHandleRunBatch_NoRunner(t *testing.T) {
	srv := NewServer(&mockVerificationRepo{}, &mockWalletRepo{}, testLogger())
	rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/verify/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleRunStatus(t *testing.T) {
	rs := redispkg.NewInMemoryStore()
	require.NoError(t, rs.SetRunStatus(context.Background(), "run-1",
		verify.Summary{RunID: "run-1", Total: 3}, time.Minute))

	srv := NewServer(&mockVerificationRepo{}, &mockWalletRepo{}, testLogger(), WithRunStatusStore(rs))

	rr := doRequest(t, srv.Handler(), http.MethodGet, "/v1/verify/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"run_id":"run-1"`)

	rr = doRequest(t, srv.Handler(), http.MethodGet, "/v1/verify/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleListDeposits_Filters(t *testing.T) {
	var gotFilter store.VerificationFilter
	repo := &mockVerificationRepo{
		listFunc: func(_ context.Context, f store.VerificationFilter) ([]model.Verification, int, error) {
			gotFilter = f
			return []model.Verification{
				{TxID: "tx-1", Currency: model.CurrencyBTC, Confirmed: true, FirstSeen: time.Now()},
			}, 1, nil
		},
	}
	srv := NewServer(repo, &mockWalletRepo{}, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodGet,
		"/v1/deposits?currency=btc&confirmed=true&credited=false&user_id=42&limit=500&offset=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	require.NotNil(t, gotFilter.Currency)
	assert.Equal(t, model.CurrencyBTC, *gotFilter.Currency)
	require.NotNil(t, gotFilter.Confirmed)
	assert.True(t, *gotFilter.Confirmed)
	require.NotNil(t, gotFilter.Credited)
	assert.False(t, *gotFilter.Credited)
	require.NotNil(t, gotFilter.UserID)
	assert.Equal(t, int64(42), *gotFilter.UserID)
	assert.Equal(t, maxPageLimit, gotFilter.Limit, "limit is clamped")
	assert.Equal(t, 10, gotFilter.Offset)

	var resp listDepositsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Deposits, 1)
	assert.Equal(t, "tx-1", resp.Deposits[0].TxID)
}

func TestHandleListDeposits_InvalidCurrency(t *testing.T) {
	srv := NewServer(&mockVerificationRepo{}, &mockWalletRepo{}, testLogger())
	rr := doRequest(t, srv.Handler(), http.MethodGet, "/v1/deposits?currency=xmr", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleGetDeposit(t *testing.T) {
	repo := &mockVerificationRepo{
		findFunc: func(_ context.Context, txid string, currency model.Currency) (*model.Verification, error) {
			if txid != "tx-1" || currency != model.CurrencyETH {
				return nil, nil
			}
			return &model.Verification{
				TxID:        "tx-1",
				Currency:    model.CurrencyETH,
				AmountMajor: decimal.RequireFromString("1.25"),
				FirstSeen:   time.Now(),
			}, nil
		},
	}
	srv := NewServer(repo, &mockWalletRepo{}, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodGet, "/v1/deposits/eth/tx-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"amount_major":"1.25"`)

	rr = doRequest(t, srv.Handler(), http.MethodGet, "/v1/deposits/eth/tx-missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleIngestDeposit(t *testing.T) {
	var inserted *model.Verification
	repo := &mockVerificationRepo{
		insertFunc: func(_ context.Context, v *model.Verification) (bool, error) {
			inserted = v
			return true, nil
		},
	}
	srv := NewServer(repo, &mockWalletRepo{}, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/deposits", map[string]any{
		"txid":     "tx-1",
		"currency": "doge",
		"user_id":  7,
		"meta":     map[string]string{"source": "webhook"},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NotNil(t, inserted)
	assert.Equal(t, "tx-1", inserted.TxID)
	assert.Equal(t, model.CurrencyDOGE, inserted.Currency)
	require.NotNil(t, inserted.UserID)
	assert.Equal(t, int64(7), *inserted.UserID)
	assert.JSONEq(t, `{"source":"webhook"}`, string(inserted.Meta),
		"caller meta is carried through to the store")
}

func TestHandleIngestDeposit_Duplicate(t *testing.T) {
	repo := &mockVerificationRepo{
		insertFunc: func(context.Context, *model.Verification) (bool, error) { return false, nil },
	}
	srv := NewServer(repo, &mockWalletRepo{}, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/deposits", map[string]any{
		"txid":     "tx-1",
		"currency": "btc",
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"created":false`)
}

func TestHandleIngestDeposit_MissingFields(t *testing.T) {
	srv := NewServer(&mockVerificationRepo{}, &mockWalletRepo{}, testLogger())
	rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/deposits", map[string]any{"txid": "tx-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSetUser(t *testing.T) {
	var gotUserID int64
	repo := &mockVerificationRepo{
		setUserFunc: func(_ context.Context, txid string, currency model.Currency, userID int64) error {
			gotUserID = userID
			return nil
		},
	}
	srv := NewServer(repo, &mockWalletRepo{}, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodPut, "/v1/deposits/btc/tx-1/user", map[string]int{"user_id": 99})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(99), gotUserID)
}

func TestHandleSetUser_NotEligible(t *testing.T) {
	repo := &mockVerificationRepo{
		setUserFunc: func(context.Context, string, model.Currency, int64) error {
			return errors.New("no eligible record")
		},
	}
	srv := NewServer(repo, &mockWalletRepo{}, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodPut, "/v1/deposits/btc/tx-1/user", map[string]int{"user_id": 99})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

type mockLedger struct {
	accountFunc func(ctx context.Context, userID int64) (*model.Account, error)
}

func (m *mockLedger) CreditTx(context.Context, *sql.Tx, int64, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not implemented")
}

func (m *mockLedger) Account(ctx context.Context, userID int64) (*model.Account, error) {
	return m.accountFunc(ctx, userID)
}

func TestHandleUserBalance(t *testing.T) {
	ledger := &mockLedger{
		accountFunc: func(_ context.Context, userID int64) (*model.Account, error) {
			require.Equal(t, int64(42), userID)
			return &model.Account{UserID: userID, Balance: decimal.RequireFromString("1.75")}, nil
		},
	}
	srv := NewServer(&mockVerificationRepo{}, &mockWalletRepo{}, testLogger(), WithLedger(ledger))

	rr := doRequest(t, srv.Handler(), http.MethodGet, "/v1/users/42/balance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"balance":"1.75"`)

	rr = doRequest(t, srv.Handler(), http.MethodGet, "/v1/users/zero/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleListWallets(t *testing.T) {
	repo := &mockWalletRepo{
		listFunc: func(context.Context) ([]model.WalletAddress, error) {
			return []model.WalletAddress{
				{Currency: model.CurrencyBTC, Address: "bc1qmerchant", IsActive: true},
			}, nil
		},
	}
	srv := NewServer(&mockVerificationRepo{}, repo, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodGet, "/v1/wallets", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "bc1qmerchant")
}

func TestHandleUpsertWallet(t *testing.T) {
	var upserted *model.WalletAddress
	repo := &mockWalletRepo{
		upsertFunc: func(_ context.Context, w *model.WalletAddress) error {
			upserted = w
			return nil
		},
	}
	srv := NewServer(&mockVerificationRepo{}, repo, testLogger())

	rr := doRequest(t, srv.Handler(), http.MethodPost, "/v1/wallets", map[string]string{
		"currency": "eth",
		"address":  "0xAbC123",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NotNil(t, upserted)
	assert.Equal(t, model.CurrencyETH, upserted.Currency)
	assert.Equal(t, "0xAbC123", upserted.Address)
	assert.True(t, upserted.IsActive)
}

func TestHandleHealthz(t *testing.T) {
	srv := NewServer(&mockVerificationRepo{}, &mockWalletRepo{}, testLogger())
	rr := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}
