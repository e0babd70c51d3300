// Package admin exposes the operational HTTP API: batch triggers, run
// status, deposit queries, wallet registry, and ingestion of new candidate
// transactions.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/store"
	redispkg "github.com/lunarpay/depositd/internal/store/redis"
	"github.com/lunarpay/depositd/internal/verify"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// BatchRunner triggers one verification batch. Satisfied by *verify.Service.
type BatchRunner interface {
	Run(ctx context.Context, batchSize int) (*verify.Summary, error)
}

// Server provides the HTTP admin API.
type Server struct {
	runner        BatchRunner
	verifications store.VerificationRepository
	wallets       store.WalletRepository
	ledger        store.LedgerRepository
	runStatus     redispkg.RunStatusStore
	logger        *slog.Logger
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithRunStatusStore enables run-status lookups by id.
func WithRunStatusStore(rs redispkg.RunStatusStore) ServerOption {
	return func(s *Server) { s.runStatus = rs }
}

// WithBatchRunner enables the on-demand run trigger.
func WithBatchRunner(r BatchRunner) ServerOption {
	return func(s *Server) { s.runner = r }
}

// WithLedger enables user balance lookups.
func WithLedger(l store.LedgerRepository) ServerOption {
	return func(s *Server) { s.ledger = l }
}

func NewServer(
	verifications store.VerificationRepository,
	wallets store.WalletRepository,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		verifications: verifications,
		wallets:       wallets,
		logger:        logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/verify/run", s.handleRunBatch)
	mux.HandleFunc("GET /v1/verify/runs/{id}", s.handleRunStatus)
	mux.HandleFunc("GET /v1/deposits", s.handleListDeposits)
	mux.HandleFunc("POST /v1/deposits", s.handleIngestDeposit)
	mux.HandleFunc("GET /v1/deposits/{currency}/{txid}", s.handleGetDeposit)
	mux.HandleFunc("PUT /v1/deposits/{currency}/{txid}/user", s.handleSetUser)
	mux.HandleFunc("GET /v1/users/{id}/balance", s.handleUserBalance)
	mux.HandleFunc("GET /v1/wallets", s.handleListWallets)
	mux.HandleFunc("POST /v1/wallets", s.handleUpsertWallet)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func parseCurrency(raw string) (model.Currency, bool) {
	c := model.Currency(raw)
	_, known := c.Decimals()
	return c, known
}

// --- Batch trigger + run status ---

type runBatchRequest struct {
	BatchSize int `json:"batch_size"`
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, `{"error":"verification runner not available"}`, http.StatusServiceUnavailable)
		return
	}

	var req runBatchRequest
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}
	if req.BatchSize < 0 {
		http.Error(w, `{"error":"batch_size must be >= 0"}`, http.StatusBadRequest)
		return
	}

	summary, err := s.runner.Run(r.Context(), req.BatchSize)
	if err != nil {
		s.logger.Error("batch run failed", "error", err)
		http.Error(w, `{"error":"verification batch failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	if s.runStatus == nil {
		http.Error(w, `{"error":"run status store not available"}`, http.StatusServiceUnavailable)
		return
	}

	runID := r.PathValue("id")
	payload, err := s.runStatus.GetRunStatus(r.Context(), runID)
	if err != nil {
		s.logger.Error("run status lookup failed", "run_id", runID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if payload == nil {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// --- Deposit queries ---

type depositResponse struct {
	TxID           string  `json:"txid"`
	Currency       string  `json:"currency"`
	UserID         *int64  `json:"user_id,omitempty"`
	MatchedAddress *string `json:"matched_address,omitempty"`
	AmountMinor    string  `json:"amount_minor"`
	AmountMajor    string  `json:"amount_major"`
	Confirmed      bool    `json:"confirmed"`
	ConfirmedAt    *string `json:"confirmed_at,omitempty"`
	Credited       bool    `json:"credited"`
	CreditedAt     *string `json:"credited_at,omitempty"`
	RetryCount     int     `json:"retry_count"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	LastChecked    *string `json:"last_checked,omitempty"`
	FirstSeen      string  `json:"first_seen"`
}

func toDepositResponse(rec model.Verification) depositResponse {
	fmtTime := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.UTC().Format(time.RFC3339)
		return &s
	}
	return depositResponse{
		TxID:           rec.TxID,
		Currency:       rec.Currency.String(),
		UserID:         rec.UserID,
		MatchedAddress: rec.MatchedAddress,
		AmountMinor:    rec.AmountMinor.String(),
		AmountMajor:    rec.AmountMajor.String(),
		Confirmed:      rec.Confirmed,
		ConfirmedAt:    fmtTime(rec.ConfirmedAt),
		Credited:       rec.Credited,
		CreditedAt:     fmtTime(rec.CreditedAt),
		RetryCount:     rec.RetryCount,
		ErrorMessage:   rec.ErrorMessage,
		LastChecked:    fmtTime(rec.LastChecked),
		FirstSeen:      rec.FirstSeen.UTC().Format(time.RFC3339),
	}
}

type listDepositsResponse struct {
	Deposits []depositResponse `json:"deposits"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.VerificationFilter

	if raw := q.Get("currency"); raw != "" {
		c, known := parseCurrency(raw)
		if !known {
			http.Error(w, `{"error":"invalid currency value"}`, http.StatusBadRequest)
			return
		}
		filter.Currency = &c
	}
	for name, dst := range map[string]**bool{
		"confirmed": &filter.Confirmed,
		"credited":  &filter.Credited,
	} {
		if raw := q.Get(name); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid boolean filter value"}`, http.StatusBadRequest)
				return
			}
			*dst = &b
		}
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid user_id value"}`, http.StatusBadRequest)
			return
		}
		filter.UserID = &id
	}

	filter.Limit = defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"invalid limit value"}`, http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if filter.Limit > maxPageLimit {
		filter.Limit = maxPageLimit
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid offset value"}`, http.StatusBadRequest)
			return
		}
		filter.Offset = n
	}

	records, total, err := s.verifications.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list deposits failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := listDepositsResponse{
		Deposits: make([]depositResponse, len(records)),
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	for i, rec := range records {
		resp.Deposits[i] = toDepositResponse(rec)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	currency, known := parseCurrency(r.PathValue("currency"))
	if !known {
		http.Error(w, `{"error":"invalid currency value"}`, http.StatusBadRequest)
		return
	}
	txid := r.PathValue("txid")

	rec, err := s.verifications.Find(r.Context(), txid, currency)
	if err != nil {
		s.logger.Error("deposit lookup failed", "txid", txid, "currency", currency, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, `{"error":"deposit not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, toDepositResponse(*rec))
}

// --- Ingestion ---

type ingestDepositRequest struct {
	TxID     string          `json:"txid"`
	Currency string          `json:"currency"`
	UserID   *int64          `json:"user_id"`
	Meta     json.RawMessage `json:"meta"`
}

func (s *Server) handleIngestDeposit(w http.ResponseWriter, r *http.Request) {
	var req ingestDepositRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.TxID == "" || req.Currency == "" {
		http.Error(w, `{"error":"txid and currency are required"}`, http.StatusBadRequest)
		return
	}
	currency, known := parseCurrency(req.Currency)
	if !known {
		http.Error(w, `{"error":"invalid currency value"}`, http.StatusBadRequest)
		return
	}

	rec := model.Verification{
		TxID:        req.TxID,
		Currency:    currency,
		UserID:      req.UserID,
		AmountMinor: decimal.Zero,
		AmountMajor: decimal.Zero,
		FirstSeen:   time.Now().UTC(),
		Meta:        req.Meta,
	}

	inserted, err := s.verifications.InsertIfAbsent(r.Context(), &rec)
	if err != nil {
		s.logger.Error("ingest deposit failed", "txid", req.TxID, "currency", req.Currency, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	if !inserted {
		// Duplicate submission of the same (txid, currency) is a no-op.
		writeJSON(w, http.StatusOK, map[string]bool{"created": false})
		return
	}

	s.logger.Info("deposit candidate ingested", "txid", req.TxID, "currency", req.Currency)
	writeJSON(w, http.StatusCreated, map[string]bool{"created": true})
}

type setUserRequest struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) handleSetUser(w http.ResponseWriter, r *http.Request) {
	currency, known := parseCurrency(r.PathValue("currency"))
	if !known {
		http.Error(w, `{"error":"invalid currency value"}`, http.StatusBadRequest)
		return
	}
	txid := r.PathValue("txid")

	var req setUserRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		http.Error(w, `{"error":"user_id must be > 0"}`, http.StatusBadRequest)
		return
	}

	if err := s.verifications.SetUserID(r.Context(), txid, currency, req.UserID); err != nil {
		s.logger.Warn("set user failed", "txid", txid, "currency", currency, "error", err)
		http.Error(w, `{"error":"record not found or not eligible for backfill"}`, http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Accounts ---

func (s *Server) handleUserBalance(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, `{"error":"ledger not available"}`, http.StatusServiceUnavailable)
		return
	}

	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	acct, err := s.ledger.Account(r.Context(), userID)
	if err != nil {
		s.logger.Error("balance lookup failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": strconv.FormatInt(acct.UserID, 10),
		"balance": acct.Balance.String(),
	})
}

// --- Wallet registry ---

type walletResponse struct {
	Currency string  `json:"currency"`
	Address  string  `json:"address"`
	Label    *string `json:"label,omitempty"`
	Active   bool    `json:"active"`
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.wallets.List(r.Context())
	if err != nil {
		s.logger.Error("list wallets failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := make([]walletResponse, len(wallets))
	for i, wa := range wallets {
		resp[i] = walletResponse{
			Currency: wa.Currency.String(),
			Address:  wa.Address,
			Label:    wa.Label,
			Active:   wa.IsActive,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type upsertWalletRequest struct {
	Currency string  `json:"currency"`
	Address  string  `json:"address"`
	Label    *string `json:"label"`
}

func (s *Server) handleUpsertWallet(w http.ResponseWriter, r *http.Request) {
	var req upsertWalletRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Currency == "" || req.Address == "" {
		http.Error(w, `{"error":"currency and address are required"}`, http.StatusBadRequest)
		return
	}
	currency, known := parseCurrency(req.Currency)
	if !known {
		http.Error(w, `{"error":"invalid currency value"}`, http.StatusBadRequest)
		return
	}

	wallet := &model.WalletAddress{
		Currency: currency,
		Address:  req.Address,
		Label:    req.Label,
		IsActive: true,
	}
	if err := s.wallets.Upsert(r.Context(), wallet); err != nil {
		s.logger.Error("upsert wallet failed", "currency", req.Currency, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("wallet address activated", "currency", req.Currency, "address", req.Address)

	writeJSON(w, http.StatusCreated, walletResponse{
		Currency: wallet.Currency.String(),
		Address:  wallet.Address,
		Label:    wallet.Label,
		Active:   wallet.IsActive,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
