package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/store"
	"github.com/shopspring/decimal"
)

type VerificationRepo struct {
	db *DB
}

func NewVerificationRepo(db *DB) *VerificationRepo {
	return &VerificationRepo{db: db}
}

const verificationColumns = `
	id, txid, currency, user_id, matched_address,
	amount_minor, amount_major,
	confirmed, confirmed_at, credited, credited_at,
	retry_count, error_message, last_checked, first_seen, meta`

func scanVerification(row interface{ Scan(...any) error }) (*model.Verification, error) {
	var v model.Verification
	// database/sql cannot scan NULL into a named byte-slice type, and meta is
	// NULL until the first attempt, so it goes through a plain []byte.
	var meta []byte
	if err := row.Scan(
		&v.ID, &v.TxID, &v.Currency, &v.UserID, &v.MatchedAddress,
		&v.AmountMinor, &v.AmountMajor,
		&v.Confirmed, &v.ConfirmedAt, &v.Credited, &v.CreditedAt,
		&v.RetryCount, &v.ErrorMessage, &v.LastChecked, &v.FirstSeen, &meta,
	); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		v.Meta = json.RawMessage(meta)
	}
	return &v, nil
}

// jsonText renders a jsonb parameter as text; a raw []byte would be sent in
// bytea format and fail the ::jsonb cast.
func jsonText(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

// InsertIfAbsent creates the record unless the (txid, currency) pair already
// exists. The unique constraint is the primary defense against duplicate
// ingestion; ON CONFLICT DO NOTHING turns the duplicate into a clean no-op.
func (r *VerificationRepo) InsertIfAbsent(ctx context.Context, v *model.Verification) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO verifications (txid, currency, user_id, amount_minor, amount_major, meta)
		VALUES ($1, $2, $3, 0, 0, $4::jsonb)
		ON CONFLICT (txid, currency) DO NOTHING
	`, v.TxID, v.Currency, v.UserID, jsonText(v.Meta))
	if err != nil {
		return false, fmt.Errorf("insert verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert verification rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *VerificationRepo) GetBatch(ctx context.Context, limit, maxRetries int) ([]model.Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE credited = FALSE AND retry_count < $2
		ORDER BY last_checked ASC NULLS FIRST
		LIMIT $1
	`, limit, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	defer rows.Close()

	var out []model.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (r *VerificationRepo) Find(ctx context.Context, txid string, currency model.Currency) (*model.Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+verificationColumns+`
		FROM verifications
		WHERE txid = $1 AND currency = $2
	`, txid, currency)

	v, err := scanVerification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find verification: %w", err)
	}
	return v, nil
}

func (r *VerificationRepo) List(ctx context.Context, f store.VerificationFilter) ([]model.Verification, int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	where, args := buildVerificationFilter(f)

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM verifications"+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count verifications: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM verifications%s ORDER BY first_seen DESC LIMIT $%d OFFSET $%d",
		verificationColumns, where, len(args)-1, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	var out []model.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan verification: %w", err)
		}
		out = append(out, *v)
	}
	return out, total, rows.Err()
}

func buildVerificationFilter(f store.VerificationFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Currency != nil {
		add("currency = $%d", *f.Currency)
	}
	if f.Confirmed != nil {
		add("confirmed = $%d", *f.Confirmed)
	}
	if f.Credited != nil {
		add("credited = $%d", *f.Credited)
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *VerificationRepo) RecordAttempt(ctx context.Context, txid string, currency model.Currency, errMsg *string, meta json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET
			retry_count = retry_count + 1,
			error_message = $3,
			meta = COALESCE($4::jsonb, meta),
			last_checked = now()
		WHERE txid = $1 AND currency = $2
	`, txid, currency, errMsg, jsonText(meta))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (r *VerificationRepo) RecordAmount(ctx context.Context, txid string, currency model.Currency, matchedAddress string, amountMinor, amountMajor decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET
			matched_address = $3,
			amount_minor = $4::numeric,
			amount_major = $5::numeric
		WHERE txid = $1 AND currency = $2
	`, txid, currency, matchedAddress, amountMinor.String(), amountMajor.String())
	if err != nil {
		return fmt.Errorf("record amount: %w", err)
	}
	return nil
}

// MarkConfirmed is sticky: the WHERE clause keeps the first confirmed_at on
// repeated calls and never reverts the flag.
func (r *VerificationRepo) MarkConfirmed(ctx context.Context, txid string, currency model.Currency, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET
			confirmed = TRUE,
			confirmed_at = $3
		WHERE txid = $1 AND currency = $2 AND confirmed = FALSE
	`, txid, currency, at)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return nil
}

// MarkCreditedTx claims the credited flag with a conditional update. Two
// concurrent crediting attempts serialize on the row lock and only the first
// one sees claimed = true; the loser must skip the ledger write.
func (r *VerificationRepo) MarkCreditedTx(ctx context.Context, tx *sql.Tx, txid string, currency model.Currency, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE verifications SET
			credited = TRUE,
			credited_at = $3
		WHERE txid = $1 AND currency = $2 AND confirmed = TRUE AND credited = FALSE
	`, txid, currency, at)
	if err != nil {
		return false, fmt.Errorf("mark credited: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark credited rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *VerificationRepo) SetUserID(ctx context.Context, txid string, currency model.Currency, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE verifications SET user_id = $3, retry_count = 0, error_message = NULL
		WHERE txid = $1 AND currency = $2 AND user_id IS NULL AND credited = FALSE
	`, txid, currency, userID)
	if err != nil {
		return fmt.Errorf("set user id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set user id rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set user id: record not found, already assigned, or already credited")
	}
	return nil
}
