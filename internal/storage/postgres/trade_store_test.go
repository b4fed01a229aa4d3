package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var (
	testNow  = time.Date(2024, time.March, 13, 9, 0, 0, 0, time.UTC)
	testDate = time.Date(2024, time.March, 12, 0, 0, 0, 0, time.UTC)
)

func newMockStore(t *testing.T) (*TradeStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewTradeStoreWithPool(mock, "", fixedClock{now: testNow}, nil)
	require.NoError(t, err)
	return store, mock
}

func record(code string) bulletin.TradeRecord {
	return bulletin.TradeRecord{
		ExchangeProductID:   code,
		ExchangeProductName: "Бензин (АИ-92-К5)",
		OilID:               code[:4],
		DeliveryBasisID:     code[4:7],
		DeliveryBasisName:   "ст. Ачинск",
		DeliveryTypeID:      code[len(code)-1:],
		Volume:              decimal.RequireFromString("60"),
		Total:               decimal.RequireFromString("4260000.50"),
		Count:               2,
		TradeDate:           testDate,
	}
}

func insertArgs(rec bulletin.TradeRecord) []any {
	return []any{
		rec.ExchangeProductID,
		rec.ExchangeProductName,
		rec.OilID,
		rec.DeliveryBasisID,
		rec.DeliveryBasisName,
		rec.DeliveryTypeID,
		pgxmock.AnyArg(),
		pgxmock.AnyArg(),
		rec.Count,
		testDate,
		testNow,
		testNow,
	}
}

func TestWithinBulletinInsertsAndCommits(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := record("A592ACH005A")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM spimex_trading_results").
		WithArgs(rec.ExchangeProductID, testDate).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO spimex_trading_results").
		WithArgs(insertArgs(rec)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	var outcome bulletin.UpsertOutcome
	err := store.WithinBulletin(context.Background(), testDate, func(ctx context.Context, u bulletin.Upserter) error {
		var err error
		outcome, err = u.Upsert(ctx, rec)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, bulletin.UpsertInserted, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBulletinUpdatesExistingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := record("A592ACH005A")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM spimex_trading_results").
		WithArgs(rec.ExchangeProductID, testDate).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("UPDATE spimex_trading_results SET").
		WithArgs(
			int64(42),
			rec.ExchangeProductName,
			rec.OilID,
			rec.DeliveryBasisID,
			rec.DeliveryBasisName,
			rec.DeliveryTypeID,
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			rec.Count,
			testNow,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.WithinBulletin(context.Background(), testDate, func(ctx context.Context, u bulletin.Upserter) error {
		outcome, err := u.Upsert(ctx, rec)
		if err != nil {
			return err
		}
		assert.Equal(t, bulletin.UpsertUpdated, outcome)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBulletinRollsBackOnPartialFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	first := record("A592ACH005A")
	second := record("A100ANK060F")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM spimex_trading_results").
		WithArgs(first.ExchangeProductID, testDate).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO spimex_trading_results").
		WithArgs(insertArgs(first)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM spimex_trading_results").
		WithArgs(second.ExchangeProductID, testDate).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO spimex_trading_results").
		WithArgs(insertArgs(second)...).
		WillReturnError(errors.New("value too long for type character varying(20)"))
	mock.ExpectRollback()

	err := store.WithinBulletin(context.Background(), testDate, func(ctx context.Context, u bulletin.Upserter) error {
		for _, rec := range []bulletin.TradeRecord{first, second} {
			if _, err := u.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.Error(t, err)
	var perr *bulletin.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, testDate, perr.TradeDate)
	assert.NotErrorIs(t, err, bulletin.ErrSystemic)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBulletinCommitFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
	mock.ExpectRollback()

	err := store.WithinBulletin(context.Background(), testDate, func(context.Context, bulletin.Upserter) error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "commit")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBulletinBeginFailureWithDeadPoolIsSystemic(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("closed pool"))
	mock.ExpectPing().WillReturnError(errors.New("closed pool"))

	called := false
	err := store.WithinBulletin(context.Background(), testDate, func(context.Context, bulletin.Upserter) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, bulletin.ErrSystemic)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBulletinBeginFailureWithHealthyPool(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many clients already"))
	mock.ExpectPing()

	err := store.WithinBulletin(context.Background(), testDate, func(context.Context, bulletin.Upserter) error {
		return nil
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, bulletin.ErrSystemic)
	var perr *bulletin.PersistenceError
	assert.ErrorAs(t, err, &perr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS spimex_trading_results").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS spimex_trading_results_product_date_key").
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cols := []string{
		"exchange_product_id", "exchange_product_name", "oil_id", "delivery_basis_id",
		"delivery_basis_name", "delivery_type_id", "volume", "total", "count", "date",
		"created_on", "updated_on",
	}
	mock.ExpectQuery("SELECT exchange_product_id, exchange_product_name").
		WithArgs("A592ACH005A", testDate).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"A592ACH005A", "Бензин (АИ-92-К5)", "A592", "ACH", "ст. Ачинск", "A",
			"60.00", "4260000.50", int64(2), testDate, testNow, testNow,
		))
	mock.ExpectQuery("SELECT exchange_product_id, exchange_product_name").
		WithArgs("A100ANK060F", testDate).
		WillReturnRows(pgxmock.NewRows(cols))

	key := bulletin.NaturalKey{ExchangeProductID: "A592ACH005A", TradeDate: testDate.Add(15 * time.Hour)}
	rec, ok, err := store.Lookup(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "60", rec.Volume.String())
	assert.Equal(t, "4260000.5", rec.Total.String())
	assert.Equal(t, int64(2), rec.Count)
	assert.Equal(t, testDate, rec.TradeDate)
	assert.Equal(t, testNow, rec.UpdatedAt)

	_, ok, err = store.Lookup(context.Background(), bulletin.NaturalKey{ExchangeProductID: "A100ANK060F", TradeDate: testDate})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM spimex_trading_results`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM spimex_trading_results`).
		WillReturnError(errors.New("relation does not exist"))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	_, err = store.Count(context.Background())
	require.ErrorContains(t, err, "count rows")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	require.NoError(t, store.Ping(context.Background()))
	require.Error(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewTradeStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewTradeStoreWithPool(nil, "", fixedClock{}, nil)
	require.Error(t, err)
	_, err = NewTradeStoreWithPool(mock, "", nil, nil)
	require.Error(t, err)
	_, err = NewTradeStoreWithPool(mock, "trades; DROP TABLE x", fixedClock{}, nil)
	require.Error(t, err)

	store, err := NewTradeStoreWithPool(mock, "trades_v2", fixedClock{}, nil)
	require.NoError(t, err)
	assert.Contains(t, store.queries.insert, "INSERT INTO trades_v2")
}

func TestNewTradeStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewTradeStore(context.Background(), TradeStoreConfig{}, fixedClock{}, nil)
	require.Error(t, err)
}

func TestNumericConversion(t *testing.T) {
	t.Parallel()

	n := numeric(decimal.RequireFromString("4260000.50"))
	require.True(t, n.Valid)
	assert.Equal(t, int32(-2), n.Exp)
	assert.Equal(t, "426000050", n.Int.String())
}
