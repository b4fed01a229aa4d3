// Package postgres provides the Postgres-backed trade store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
)

// DefaultTable is the trade results table name.
const DefaultTable = "spimex_trading_results"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TradeStoreConfig controls the Postgres connection pool used for trade rows.
type TradeStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// txPool is the subset of *pgxpool.Pool the store uses; pgxmock pools satisfy it.
type txPool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// TradeStore persists trade records with one transaction per bulletin.
type TradeStore struct {
	pool    txPool
	table   string
	clock   bulletin.Clock
	logger  *zap.Logger
	queries queries
}

type queries struct {
	lookup string
	update string
	insert string
	get    string
	count  string
}

// NewTradeStore creates a Postgres-backed TradeStore using the provided config.
func NewTradeStore(ctx context.Context, cfg TradeStoreConfig, clock bulletin.Clock, logger *zap.Logger) (*TradeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTradeStoreWithPool(pool, cfg.Table, clock, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewTradeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTradeStoreWithPool(pool txPool, table string, clock bulletin.Clock, logger *zap.Logger) (*TradeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeStore{
		pool:    pool,
		table:   table,
		clock:   clock,
		logger:  logger,
		queries: buildQueries(table),
	}, nil
}

func buildQueries(table string) queries {
	return queries{
		lookup: fmt.Sprintf(`
SELECT id FROM %s
WHERE exchange_product_id = $1 AND date = $2
FOR UPDATE`, table),
		update: fmt.Sprintf(`
UPDATE %s SET
	exchange_product_name = $2,
	oil_id = $3,
	delivery_basis_id = $4,
	delivery_basis_name = $5,
	delivery_type_id = $6,
	volume = $7,
	total = $8,
	count = $9,
	updated_on = $10
WHERE id = $1`, table),
		insert: fmt.Sprintf(`
INSERT INTO %s (
	exchange_product_id,
	exchange_product_name,
	oil_id,
	delivery_basis_id,
	delivery_basis_name,
	delivery_type_id,
	volume,
	total,
	count,
	date,
	created_on,
	updated_on
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, table),
		get: fmt.Sprintf(`
SELECT exchange_product_id, exchange_product_name, oil_id, delivery_basis_id,
	delivery_basis_name, delivery_type_id, volume::text, total::text, count, date,
	created_on, updated_on
FROM %s WHERE exchange_product_id = $1 AND date = $2`, table),
		count: fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table),
	}
}

// Close releases the underlying pool resources.
func (s *TradeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *TradeStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the trade table and its natural-key index when missing.
func (s *TradeStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	exchange_product_id VARCHAR(20) NOT NULL,
	exchange_product_name VARCHAR(255),
	oil_id VARCHAR(10),
	delivery_basis_id VARCHAR(10),
	delivery_basis_name VARCHAR(255),
	delivery_type_id VARCHAR(1),
	volume NUMERIC(20, 2),
	total NUMERIC(20, 2),
	count INTEGER,
	date DATE NOT NULL,
	created_on TIMESTAMP,
	updated_on TIMESTAMP
)`, s.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_product_date_key ON %s (exchange_product_id, date)`,
			s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WithinBulletin runs fn inside one transaction and commits only when fn
// succeeds. Failures to obtain a transaction from an unusable pool wrap
// bulletin.ErrSystemic.
func (s *TradeStore) WithinBulletin(
	ctx context.Context,
	tradeDate time.Time,
	fn func(context.Context, bulletin.Upserter) error,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.beginError(ctx, tradeDate, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		// The caller's context may already be canceled; rollback must still reach the server.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed",
				zap.String("trade_date", tradeDate.Format(bulletin.DateLayout)),
				zap.Error(rbErr),
			)
		}
	}()

	if err := fn(ctx, &txUpserter{tx: tx, q: s.queries, clock: s.clock}); err != nil {
		return &bulletin.PersistenceError{TradeDate: tradeDate, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &bulletin.PersistenceError{TradeDate: tradeDate, Err: fmt.Errorf("commit: %w", err)}
	}
	committed = true
	return nil
}

func (s *TradeStore) beginError(ctx context.Context, tradeDate time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("begin transaction: %w", ctxErr)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("begin transaction: %w: %w", bulletin.ErrSystemic, err)
	}
	if pingErr := s.pool.Ping(ctx); pingErr != nil && ctx.Err() == nil {
		return fmt.Errorf("begin transaction: %w: %w", bulletin.ErrSystemic, err)
	}
	return &bulletin.PersistenceError{TradeDate: tradeDate, Err: fmt.Errorf("begin transaction: %w", err)}
}

// Lookup returns the persisted record for key.
func (s *TradeStore) Lookup(ctx context.Context, key bulletin.NaturalKey) (bulletin.TradeRecord, bool, error) {
	var (
		rec           bulletin.TradeRecord
		volume, total string
	)
	err := s.pool.QueryRow(ctx, s.queries.get, key.ExchangeProductID, bulletin.Day(key.TradeDate)).Scan(
		&rec.ExchangeProductID,
		&rec.ExchangeProductName,
		&rec.OilID,
		&rec.DeliveryBasisID,
		&rec.DeliveryBasisName,
		&rec.DeliveryTypeID,
		&volume,
		&total,
		&rec.Count,
		&rec.TradeDate,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return bulletin.TradeRecord{}, false, nil
	}
	if err != nil {
		return bulletin.TradeRecord{}, false, fmt.Errorf("lookup %s: %w", key.ExchangeProductID, err)
	}
	if rec.Volume, err = decimal.NewFromString(volume); err != nil {
		return bulletin.TradeRecord{}, false, fmt.Errorf("decode volume: %w", err)
	}
	if rec.Total, err = decimal.NewFromString(total); err != nil {
		return bulletin.TradeRecord{}, false, fmt.Errorf("decode total: %w", err)
	}
	return rec, true, nil
}

// Count returns the number of persisted rows.
func (s *TradeStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, s.queries.count).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return int(n), nil
}

// txUpserter writes records through one open transaction.
type txUpserter struct {
	tx    pgx.Tx
	q     queries
	clock bulletin.Clock
}

// Upsert updates the row sharing rec's natural key, or inserts a new one.
// created_on is written only on insert; updated_on is refreshed every time.
func (u *txUpserter) Upsert(ctx context.Context, rec bulletin.TradeRecord) (bulletin.UpsertOutcome, error) {
	date := bulletin.Day(rec.TradeDate)
	now := u.clock.Now()

	var id int64
	err := u.tx.QueryRow(ctx, u.q.lookup, rec.ExchangeProductID, date).Scan(&id)
	switch {
	case err == nil:
		_, err = u.tx.Exec(ctx, u.q.update,
			id,
			rec.ExchangeProductName,
			rec.OilID,
			rec.DeliveryBasisID,
			rec.DeliveryBasisName,
			rec.DeliveryTypeID,
			numeric(rec.Volume),
			numeric(rec.Total),
			rec.Count,
			now,
		)
		if err != nil {
			return "", fmt.Errorf("update %s@%s: %w", rec.ExchangeProductID, date.Format(bulletin.DateLayout), err)
		}
		return bulletin.UpsertUpdated, nil
	case errors.Is(err, pgx.ErrNoRows):
		_, err = u.tx.Exec(ctx, u.q.insert,
			rec.ExchangeProductID,
			rec.ExchangeProductName,
			rec.OilID,
			rec.DeliveryBasisID,
			rec.DeliveryBasisName,
			rec.DeliveryTypeID,
			numeric(rec.Volume),
			numeric(rec.Total),
			rec.Count,
			date,
			now,
			now,
		)
		if err != nil {
			return "", fmt.Errorf("insert %s@%s: %w", rec.ExchangeProductID, date.Format(bulletin.DateLayout), err)
		}
		return bulletin.UpsertInserted, nil
	default:
		return "", fmt.Errorf("lookup %s@%s: %w", rec.ExchangeProductID, date.Format(bulletin.DateLayout), err)
	}
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
