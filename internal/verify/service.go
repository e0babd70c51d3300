// Package verify implements the deposit reconciliation loop: it selects
// uncompleted verification records, queries the matching block explorer,
// applies the confirmation policy, and credits user ledgers exactly once.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/lunarpay/depositd/internal/alert"
	"github.com/lunarpay/depositd/internal/chain"
	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/metrics"
	"github.com/lunarpay/depositd/internal/policy"
	"github.com/lunarpay/depositd/internal/retry"
	"github.com/lunarpay/depositd/internal/store"
	redispkg "github.com/lunarpay/depositd/internal/store/redis"
	"github.com/lunarpay/depositd/internal/tracing"
)

const (
	DefaultBatchSize  = 50
	DefaultMaxRetries = 10

	maxBatchSize        = 500
	defaultRunStatusTTL = time.Hour
	maxErrorMessageLen  = 500
)

// Record-level failure messages persisted to error_message. Stable strings:
// operators filter on them.
const (
	msgTxNotFound       = "transaction not found on chain"
	msgNoMatchingOutput = "no matching output"
	msgNoActiveWallet   = "no active wallet address"
	msgNoAdapter        = "unsupported currency: no chain adapter"
	msgConfirmedNoUser  = "confirmed but no user to credit"
)

// Outcome classifies how processing one record ended. Outcomes are disjoint:
// each selected record lands in exactly one bucket per run.
type Outcome string

const (
	OutcomeStillPending Outcome = "still_pending"
	OutcomeConfirmed    Outcome = "confirmed"
	OutcomeCredited     Outcome = "credited"
	OutcomeFailed       Outcome = "failed"
	OutcomeSkipped      Outcome = "skipped"
)

// Summary aggregates one batch run.
type Summary struct {
	RunID        string    `json:"run_id"`
	Total        int       `json:"total"`
	Confirmed    int       `json:"confirmed"`
	Credited     int       `json:"credited"`
	StillPending int       `json:"still_pending"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

func (s *Summary) add(o Outcome) {
	s.Total++
	switch o {
	case OutcomeStillPending:
		s.StillPending++
	case OutcomeConfirmed:
		s.Confirmed++
	case OutcomeCredited:
		s.Credited++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Service orchestrates verification batches.
type Service struct {
	db            store.TxBeginner
	verifications store.VerificationRepository
	wallets       store.WalletRepository
	ledger        store.LedgerRepository
	registry      *chain.Registry
	policy        policy.Policy
	logger        *slog.Logger

	runStatus    redispkg.RunStatusStore
	alerter      alert.Alerter
	batchSize    int
	maxRetries   int
	throttle     time.Duration
	runStatusTTL time.Duration

	// Serializes overlapping invocations. The credited-flag claim in the
	// store is the real double-credit defense; this lock only keeps a
	// single process from hammering the explorers twice.
	runMu sync.Mutex
}

type Option func(*Service)

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithThrottle sets the courtesy delay between explorer calls for records of
// the same currency.
func WithThrottle(d time.Duration) Option {
	return func(s *Service) { s.throttle = d }
}

func WithRunStatusStore(rs redispkg.RunStatusStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.runStatus = rs
		if ttl > 0 {
			s.runStatusTTL = ttl
		}
	}
}

func WithAlerter(a alert.Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

func NewService(
	db store.TxBeginner,
	verifications store.VerificationRepository,
	wallets store.WalletRepository,
	ledger store.LedgerRepository,
	registry *chain.Registry,
	pol policy.Policy,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		db:            db,
		verifications: verifications,
		wallets:       wallets,
		ledger:        ledger,
		registry:      registry,
		policy:        pol,
		logger:        logger.With("component", "verify"),
		batchSize:     DefaultBatchSize,
		maxRetries:    DefaultMaxRetries,
		runStatusTTL:  defaultRunStatusTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run processes one verification batch. batchSize <= 0 uses the configured
// default. Currencies are processed in parallel; records of one currency are
// processed sequentially against its rate-limited explorer. Per-record
// failures are captured on the record and never abort the batch; only an
// unreachable store does.
func (s *Service) Run(ctx context.Context, batchSize int) (*Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	ctx, span := tracing.Tracer("verify").Start(ctx, "verify.batch")
	defer span.End()

	summary := &Summary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("run_id", summary.RunID))

	batch, err := s.verifications.GetBatch(ctx, batchSize, s.maxRetries)
	if err != nil {
		metrics.BatchRunErrors.Inc()
		if s.alerter != nil {
			_ = s.alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeBatchFailed,
				Title:   "Verification batch aborted",
				Message: err.Error(),
				Fields:  map[string]string{"run_id": summary.RunID},
			})
		}
		return nil, fmt.Errorf("select verification batch: %w", err)
	}

	byCurrency := make(map[model.Currency][]model.Verification)
	for _, rec := range batch {
		byCurrency[rec.Currency] = append(byCurrency[rec.Currency], rec)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for currency, records := range byCurrency {
		currency, records := currency, records
		g.Go(func() error {
			for i, rec := range records {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if i > 0 {
					s.throttleWait(gctx)
				}
				outcome := s.processOne(gctx, rec)
				metrics.RecordsProcessedTotal.WithLabelValues(currency.String(), string(outcome)).Inc()
				mu.Lock()
				summary.add(outcome)
				mu.Unlock()
			}
			return nil
		})
	}
	waitErr := g.Wait()

	summary.FinishedAt = time.Now().UTC()
	metrics.BatchRunsTotal.Inc()
	metrics.BatchDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if s.runStatus != nil {
		if err := s.runStatus.SetRunStatus(ctx, summary.RunID, summary, s.runStatusTTL); err != nil {
			s.logger.Warn("failed to store run status", "run_id", summary.RunID, "error", err)
		}
	}

	s.logger.Info("verification batch completed",
		"run_id", summary.RunID,
		"total", summary.Total,
		"confirmed", summary.Confirmed,
		"credited", summary.Credited,
		"still_pending", summary.StillPending,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)

	// An interrupted batch leaves already-updated records valid and
	// re-processable; surface the cancellation to the caller.
	if waitErr != nil {
		return summary, waitErr
	}
	return summary, nil
}

// RunPeriodic runs batches at the given interval until ctx is cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	s.logger.Info("periodic verification started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic verification stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx, 0); err != nil {
				s.logger.Warn("periodic verification batch failed", "error", err)
			}
		}
	}
}

func (s *Service) processOne(ctx context.Context, rec model.Verification) Outcome {
	// Exhausted records need manual review; the only silent skip.
	if rec.RetryCount >= s.maxRetries {
		return OutcomeSkipped
	}

	// Confirmed but not yet credited: the chain already answered, so go
	// straight to the credit step instead of re-verifying.
	if rec.Confirmed {
		return s.processCredit(ctx, rec)
	}

	required, err := s.policy.RequiredConfirmations(rec.Currency)
	if err != nil {
		return s.recordFailure(ctx, rec, err.Error())
	}

	adapter, ok := s.registry.Lookup(rec.Currency)
	if !ok {
		return s.recordFailure(ctx, rec, msgNoAdapter)
	}

	wallet, err := s.wallets.ActiveAddress(ctx, rec.Currency)
	if err != nil {
		return s.recordFailure(ctx, rec, fmt.Sprintf("wallet registry: %v", err))
	}
	if wallet == nil {
		// A currency without an active address stalls every deposit in it;
		// the alerter's cooldown keeps this to one ping per window.
		if s.alerter != nil {
			_ = s.alerter.Send(ctx, alert.Alert{
				Type:     alert.AlertTypeWalletMissing,
				Currency: rec.Currency.String(),
				Title:    "No active wallet address configured",
				Message:  msgNoActiveWallet,
				Fields:   map[string]string{"txid": rec.TxID},
			})
		}
		return s.recordFailure(ctx, rec, msgNoActiveWallet)
	}

	lookup, err := adapter.FetchTransaction(ctx, rec.TxID)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return s.recordFailure(ctx, rec, msgTxNotFound)
		}
		decision := retry.Classify(err)
		metrics.LookupFailuresTotal.WithLabelValues(rec.Currency.String(), string(decision.Class)).Inc()
		s.logger.Warn("explorer lookup failed",
			"txid", rec.TxID,
			"currency", rec.Currency,
			"class", decision.Class,
			"reason", decision.Reason,
			"error", err,
		)
		return s.recordFailure(ctx, rec, err.Error())
	}

	matched, ok := matchOutput(lookup.Outputs, wallet.Address)
	if !ok {
		return s.recordFailure(ctx, rec, msgNoMatchingOutput)
	}

	decimals, ok := rec.Currency.Decimals()
	if !ok {
		return s.recordFailure(ctx, rec, fmt.Sprintf("no minor-unit scale for currency %q", rec.Currency))
	}
	amountMinor := matched.ValueMinor
	amountMajor := amountMinor.Shift(-decimals)

	// Persist the amount even before the threshold is met so partial
	// progress is visible to operators.
	if err := s.verifications.RecordAmount(ctx, rec.TxID, rec.Currency, wallet.Address, amountMinor, amountMajor); err != nil {
		return s.recordFailure(ctx, rec, fmt.Sprintf("record amount: %v", err))
	}

	meta := metaSnapshot(lookup.Confirmations, matched)

	if int64(required) > lookup.Confirmations {
		s.recordSuccess(ctx, rec, meta)
		return OutcomeStillPending
	}

	if err := s.verifications.MarkConfirmed(ctx, rec.TxID, rec.Currency, time.Now().UTC()); err != nil {
		return s.recordFailure(ctx, rec, fmt.Sprintf("mark confirmed: %v", err))
	}

	if rec.UserID == nil {
		// Policy: confirm without crediting; a later user-id backfill is
		// picked up by the confirmed short-circuit path.
		s.recordSuccess(ctx, rec, meta)
		return OutcomeConfirmed
	}

	rec.AmountMajor = amountMajor
	return s.creditAndRecord(ctx, rec, *rec.UserID, meta)
}

// processCredit retries only the ledger step for records whose confirmation
// already happened in an earlier batch.
func (s *Service) processCredit(ctx context.Context, rec model.Verification) Outcome {
	if rec.UserID == nil {
		return s.recordFailure(ctx, rec, msgConfirmedNoUser)
	}
	return s.creditAndRecord(ctx, rec, *rec.UserID, nil)
}

func (s *Service) creditAndRecord(ctx context.Context, rec model.Verification, userID int64, meta json.RawMessage) Outcome {
	newBalance, already, err := s.applyCredit(ctx, rec, userID)
	if err != nil {
		metrics.LedgerWriteFailures.WithLabelValues(rec.Currency.String()).Inc()
		if s.alerter != nil {
			_ = s.alerter.Send(ctx, alert.Alert{
				Type:     alert.AlertTypeLedgerFailure,
				Currency: rec.Currency.String(),
				Title:    "Ledger credit failed after confirmation",
				Message:  err.Error(),
				Fields: map[string]string{
					"txid":    rec.TxID,
					"user_id": fmt.Sprintf("%d", userID),
					"amount":  rec.AmountMajor.String(),
				},
			})
		}
		return s.recordFailure(ctx, rec, fmt.Sprintf("ledger write failed: %v", err))
	}

	s.recordSuccess(ctx, rec, meta)

	if already {
		// Another writer credited this record first; re-invocation is a
		// no-op success, not an error.
		return OutcomeCredited
	}

	metrics.CreditsAppliedTotal.WithLabelValues(rec.Currency.String()).Inc()
	s.logger.Info("deposit credited",
		"txid", rec.TxID,
		"currency", rec.Currency,
		"user_id", userID,
		"amount", rec.AmountMajor.String(),
		"new_balance", newBalance.String(),
	)
	return OutcomeCredited
}

// applyCredit flips the credited flag and increments the ledger inside one
// database transaction. The conditional claim on the flag makes the ledger
// write at-most-once per record even under concurrent runs.
func (s *Service) applyCredit(ctx context.Context, rec model.Verification, userID int64) (decimal.Decimal, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	claimed, err := s.verifications.MarkCreditedTx(ctx, tx, rec.TxID, rec.Currency, time.Now().UTC())
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("claim credited flag: %w", err)
	}
	if !claimed {
		return decimal.Zero, true, nil
	}

	newBalance, err := s.ledger.CreditTx(ctx, tx, userID, rec.AmountMajor)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("ledger increment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, false, fmt.Errorf("commit credit tx: %w", err)
	}
	return newBalance, false, nil
}

// recordFailure persists the attempt with its error message and fires the
// exhaustion alert when this attempt was the record's last.
func (s *Service) recordFailure(ctx context.Context, rec model.Verification, msg string) Outcome {
	trimmed := truncateMsg(msg)
	if err := s.verifications.RecordAttempt(ctx, rec.TxID, rec.Currency, &trimmed, nil); err != nil {
		s.logger.Error("failed to record attempt",
			"txid", rec.TxID, "currency", rec.Currency, "error", err)
	}

	if rec.RetryCount+1 >= s.maxRetries {
		metrics.RetriesExhaustedTotal.WithLabelValues(rec.Currency.String()).Inc()
		s.logger.Warn("verification retries exhausted, manual review required",
			"txid", rec.TxID, "currency", rec.Currency, "error_message", trimmed)
		if s.alerter != nil {
			_ = s.alerter.Send(ctx, alert.Alert{
				Type:     alert.AlertTypeRetryExhausted,
				Currency: rec.Currency.String(),
				Title:    "Deposit verification exhausted",
				Message:  trimmed,
				Fields: map[string]string{
					"txid":        rec.TxID,
					"retry_count": fmt.Sprintf("%d", rec.RetryCount+1),
				},
			})
		}
	}
	return OutcomeFailed
}

func (s *Service) recordSuccess(ctx context.Context, rec model.Verification, meta json.RawMessage) {
	if err := s.verifications.RecordAttempt(ctx, rec.TxID, rec.Currency, nil, meta); err != nil {
		s.logger.Error("failed to record attempt",
			"txid", rec.TxID, "currency", rec.Currency, "error", err)
	}
}

func (s *Service) throttleWait(ctx context.Context) {
	if s.throttle <= 0 {
		return
	}
	select {
	case <-time.After(s.throttle):
	case <-ctx.Done():
	}
}

func matchOutput(outputs []chain.TxOutput, walletAddress string) (chain.TxOutput, bool) {
	for _, out := range outputs {
		if chain.AddressesEqual(out.Address, walletAddress) {
			return out, true
		}
	}
	return chain.TxOutput{}, false
}

func metaSnapshot(confirmations int64, matched chain.TxOutput) json.RawMessage {
	snapshot := struct {
		Confirmations int64  `json:"confirmations"`
		Address       string `json:"address"`
		ValueMinor    string `json:"value_minor"`
		CheckedAt     string `json:"checked_at"`
	}{
		Confirmations: confirmations,
		Address:       matched.Address,
		ValueMinor:    matched.ValueMinor.String(),
		CheckedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil
	}
	return payload
}

func truncateMsg(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}
