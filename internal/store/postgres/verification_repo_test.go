package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/store"
)

// fakeConn speaks just enough of the driver protocol to feed canned rows to
// the scanners and to capture exec arguments, NULLs included. It deliberately
// goes through database/sql rather than calling the scan helpers directly so
// the stdlib's NULL conversion rules apply.
type fakeConn struct {
	cols []string
	rows [][]driver.Value

	affected int64
	execs    []capturedExec
}

type capturedExec struct {
	query string
	args  []driver.Value
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return fakeTx{}, nil }

func (c *fakeConn) QueryContext(_ context.Context, _ string, _ []driver.NamedValue) (driver.Rows, error) {
	return &fakeRows{cols: c.cols, rows: c.rows}, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.execs = append(c.execs, capturedExec{query: query, args: vals})
	return driver.RowsAffected(c.affected), nil
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

type fakeConnector struct{ conn *fakeConn }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c fakeConnector) Driver() driver.Driver                        { return fakeDrv{} }

type fakeDrv struct{}

func (fakeDrv) Open(string) (driver.Conn, error) { return nil, errors.New("use OpenDB") }

func testDB(t *testing.T, conn *fakeConn) *DB {
	t.Helper()
	db := sql.OpenDB(fakeConnector{conn: conn})
	t.Cleanup(func() { db.Close() })
	return &DB{db}
}

func verificationColumnNames() []string {
	return []string{
		"id", "txid", "currency", "user_id", "matched_address",
		"amount_minor", "amount_major",
		"confirmed", "confirmed_at", "credited", "credited_at",
		"retry_count", "error_message", "last_checked", "first_seen", "meta",
	}
}

// freshRow mirrors a record straight after ingestion: every nullable column,
// meta included, is still NULL.
func freshRow(txid string) []driver.Value {
	return []driver.Value{
		"8f14e45f-ceea-467f-a8da-0e6c2b1f0a42", // id
		txid,
		"btc",
		nil,              // user_id
		nil,              // matched_address
		[]byte("0"),      // amount_minor
		[]byte("0"),      // amount_major
		false,            // confirmed
		nil,              // confirmed_at
		false,            // credited
		nil,              // credited_at
		int64(0),         // retry_count
		nil,              // error_message
		nil,              // last_checked
		time.Now().UTC(), // first_seen
		nil,              // meta
	}
}

func TestGetBatchScansFreshRecord(t *testing.T) {
	conn := &fakeConn{cols: verificationColumnNames(), rows: [][]driver.Value{freshRow("tx-1")}}
	repo := NewVerificationRepo(testDB(t, conn))

	recs, err := repo.GetBatch(context.Background(), 50, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "tx-1", rec.TxID)
	assert.Equal(t, model.CurrencyBTC, rec.Currency)
	assert.Nil(t, rec.UserID)
	assert.Nil(t, rec.MatchedAddress)
	assert.Nil(t, rec.ErrorMessage)
	assert.Nil(t, rec.LastChecked)
	assert.Nil(t, rec.Meta, "NULL meta scans to a nil snapshot")
	assert.True(t, rec.AmountMinor.IsZero())
	assert.Zero(t, rec.RetryCount)
}

func TestFindScansPopulatedRecord(t *testing.T) {
	now := time.Now().UTC()
	row := freshRow("tx-2")
	row[3] = int64(42)                               // user_id
	row[4] = "bc1qmerchant"                          // matched_address
	row[5] = []byte("50000000")                      // amount_minor
	row[6] = []byte("0.5")                           // amount_major
	row[7] = true                                    // confirmed
	row[8] = now                                     // confirmed_at
	row[11] = int64(3)                               // retry_count
	row[12] = "no matching output"                   // error_message
	row[13] = now                                    // last_checked
	row[15] = []byte(`{"confirmations":2}`)          // meta

	conn := &fakeConn{cols: verificationColumnNames(), rows: [][]driver.Value{row}}
	repo := NewVerificationRepo(testDB(t, conn))

	rec, err := repo.Find(context.Background(), "tx-2", model.CurrencyBTC)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NotNil(t, rec.UserID)
	assert.Equal(t, int64(42), *rec.UserID)
	require.NotNil(t, rec.MatchedAddress)
	assert.Equal(t, "bc1qmerchant", *rec.MatchedAddress)
	assert.True(t, rec.AmountMinor.Equal(decimal.RequireFromString("50000000")))
	assert.True(t, rec.AmountMajor.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, rec.Confirmed)
	require.NotNil(t, rec.ConfirmedAt)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, json.RawMessage(`{"confirmations":2}`), rec.Meta)
}

func TestFindMissingRecordIsNil(t *testing.T) {
	conn := &fakeConn{cols: verificationColumnNames()}
	repo := NewVerificationRepo(testDB(t, conn))

	rec, err := repo.Find(context.Background(), "tx-none", model.CurrencyBTC)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInsertIfAbsentCarriesMetaAndUser(t *testing.T) {
	conn := &fakeConn{affected: 1}
	repo := NewVerificationRepo(testDB(t, conn))

	userID := int64(42)
	created, err := repo.InsertIfAbsent(context.Background(), &model.Verification{
		TxID:     "tx-1",
		Currency: model.CurrencyBTC,
		UserID:   &userID,
		Meta:     json.RawMessage(`{"source":"webhook"}`),
	})
	require.NoError(t, err)
	assert.True(t, created)

	require.Len(t, conn.execs, 1)
	args := conn.execs[0].args
	require.Len(t, args, 4)
	assert.Equal(t, "tx-1", args[0])
	assert.Equal(t, "btc", args[1])
	assert.Equal(t, int64(42), args[2])
	assert.Equal(t, `{"source":"webhook"}`, args[3], "meta travels as json text")
}

func TestInsertIfAbsentDuplicateWithoutMeta(t *testing.T) {
	conn := &fakeConn{affected: 0}
	repo := NewVerificationRepo(testDB(t, conn))

	created, err := repo.InsertIfAbsent(context.Background(), &model.Verification{
		TxID:     "tx-1",
		Currency: model.CurrencyBTC,
	})
	require.NoError(t, err)
	assert.False(t, created)

	require.Len(t, conn.execs, 1)
	args := conn.execs[0].args
	require.Len(t, args, 4)
	assert.Nil(t, args[2], "missing user inserts NULL")
	assert.Nil(t, args[3], "missing meta inserts NULL")
}

func TestRecordAttemptSendsMetaAsText(t *testing.T) {
	conn := &fakeConn{affected: 1}
	repo := NewVerificationRepo(testDB(t, conn))

	err := repo.RecordAttempt(context.Background(), "tx-1", model.CurrencyBTC,
		nil, json.RawMessage(`{"confirmations":1}`))
	require.NoError(t, err)

	require.Len(t, conn.execs, 1)
	args := conn.execs[0].args
	require.Len(t, args, 4)
	assert.Nil(t, args[2])
	assert.Equal(t, `{"confirmations":1}`, args[3])
}

func TestMarkCreditedTxReportsClaim(t *testing.T) {
	conn := &fakeConn{affected: 1}
	db := testDB(t, conn)
	repo := NewVerificationRepo(db)

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()

	claimed, err := repo.MarkCreditedTx(context.Background(), tx, "tx-1", model.CurrencyBTC, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, claimed)

	// Zero affected rows means another writer already holds the flag.
	conn.affected = 0
	claimed, err = repo.MarkCreditedTx(context.Background(), tx, "tx-1", model.CurrencyBTC, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestBuildVerificationFilter(t *testing.T) {
	currency := model.CurrencyBTC
	confirmed := true
	userID := int64(9)

	where, args := buildVerificationFilter(store.VerificationFilter{
		Currency:  &currency,
		Confirmed: &confirmed,
		UserID:    &userID,
	})
	assert.Equal(t, " WHERE currency = $1 AND confirmed = $2 AND user_id = $3", where)
	assert.Equal(t, []any{currency, confirmed, userID}, args)

	where, args = buildVerificationFilter(store.VerificationFilter{})
	assert.Empty(t, where)
	assert.Nil(t, args)
}
