// Package sqlite provides a SQLite-backed trade store for local runs and
// tests against a real SQL engine.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
)

// Defaults.
const (
	DefaultTable = "spimex_trading_results"
	MemoryPath   = ":memory:"

	timestampLayout = time.RFC3339Nano
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Options configures the SQLite store.
type Options struct {
	// Path is the database file, or MemoryPath for a private in-memory database.
	Path  string
	Table string
}

// TradeStore persists trade records in SQLite with one transaction per bulletin.
type TradeStore struct {
	db     *sql.DB
	table  string
	clock  bulletin.Clock
	logger *zap.Logger
	q      queries
}

type queries struct {
	lookup string
	update string
	insert string
	get    string
	count  string
}

// Open opens or creates the database and its schema.
func Open(ctx context.Context, opts Options, clock bulletin.Clock, logger *zap.Logger) (*TradeStore, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path := opts.Path
	if path == "" {
		path = MemoryPath
	}
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory database
	// lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &TradeStore{db: db, table: table, clock: clock, logger: logger, q: buildQueries(table)}
	if path != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func buildQueries(table string) queries {
	return queries{
		lookup: fmt.Sprintf(`SELECT id FROM %s WHERE exchange_product_id = ? AND date = ?`, table),
		update: fmt.Sprintf(`
UPDATE %s SET
	exchange_product_name = ?,
	oil_id = ?,
	delivery_basis_id = ?,
	delivery_basis_name = ?,
	delivery_type_id = ?,
	volume = ?,
	total = ?,
	count = ?,
	updated_on = ?
WHERE id = ?`, table),
		insert: fmt.Sprintf(`
INSERT INTO %s (
	exchange_product_id, exchange_product_name, oil_id, delivery_basis_id,
	delivery_basis_name, delivery_type_id, volume, total, count, date,
	created_on, updated_on
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, table),
		get: fmt.Sprintf(`
SELECT exchange_product_id, exchange_product_name, oil_id, delivery_basis_id,
	delivery_basis_name, delivery_type_id, volume, total, count, date,
	created_on, updated_on
FROM %s WHERE exchange_product_id = ? AND date = ?`, table),
		count: fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table),
	}
}

// EnsureSchema creates the trade table and its natural-key index when missing.
func (s *TradeStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange_product_id TEXT NOT NULL CHECK (length(exchange_product_id) <= 20),
	exchange_product_name TEXT,
	oil_id TEXT,
	delivery_basis_id TEXT,
	delivery_basis_name TEXT,
	delivery_type_id TEXT,
	volume TEXT,
	total TEXT,
	count INTEGER CHECK (count > 0),
	date TEXT NOT NULL,
	created_on TEXT,
	updated_on TEXT
)`, s.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_product_date_key ON %s (exchange_product_id, date)`,
			s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *TradeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping checks that the database is usable.
func (s *TradeStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// WithinBulletin runs fn inside one transaction and commits only when fn
// succeeds.
func (s *TradeStore) WithinBulletin(
	ctx context.Context,
	tradeDate time.Time,
	fn func(context.Context, bulletin.Upserter) error,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.beginError(ctx, tradeDate, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed",
				zap.String("trade_date", tradeDate.Format(bulletin.DateLayout)),
				zap.Error(rbErr),
			)
		}
	}()

	if err := fn(ctx, &txUpserter{tx: tx, q: s.q, clock: s.clock}); err != nil {
		return &bulletin.PersistenceError{TradeDate: tradeDate, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &bulletin.PersistenceError{TradeDate: tradeDate, Err: fmt.Errorf("commit: %w", err)}
	}
	committed = true
	return nil
}

func (s *TradeStore) beginError(ctx context.Context, tradeDate time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("begin transaction: %w", ctxErr)
	}
	if pingErr := s.db.PingContext(ctx); pingErr != nil && ctx.Err() == nil {
		return fmt.Errorf("begin transaction: %w: %w", bulletin.ErrSystemic, err)
	}
	return &bulletin.PersistenceError{TradeDate: tradeDate, Err: fmt.Errorf("begin transaction: %w", err)}
}

// Lookup returns the persisted record for key.
func (s *TradeStore) Lookup(ctx context.Context, key bulletin.NaturalKey) (bulletin.TradeRecord, bool, error) {
	var (
		rec                  bulletin.TradeRecord
		volume, total, date  string
		createdOn, updatedOn string
	)
	err := s.db.QueryRowContext(ctx, s.q.get, key.ExchangeProductID, key.TradeDate.Format(bulletin.DateLayout)).Scan(
		&rec.ExchangeProductID,
		&rec.ExchangeProductName,
		&rec.OilID,
		&rec.DeliveryBasisID,
		&rec.DeliveryBasisName,
		&rec.DeliveryTypeID,
		&volume,
		&total,
		&rec.Count,
		&date,
		&createdOn,
		&updatedOn,
	)
	if errors.Is(err, sql.ErrNoRows) {
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
	if rec.TradeDate, err = time.Parse(bulletin.DateLayout, date); err != nil {
		return bulletin.TradeRecord{}, false, fmt.Errorf("decode date: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(timestampLayout, createdOn); err != nil {
		return bulletin.TradeRecord{}, false, fmt.Errorf("decode created_on: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timestampLayout, updatedOn); err != nil {
		return bulletin.TradeRecord{}, false, fmt.Errorf("decode updated_on: %w", err)
	}
	return rec, true, nil
}

// Count returns the number of persisted rows.
func (s *TradeStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q.count).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// txUpserter writes records through one open transaction.
type txUpserter struct {
	tx    *sql.Tx
	q     queries
	clock bulletin.Clock
}

// Upsert updates the row sharing rec's natural key, or inserts a new one.
func (u *txUpserter) Upsert(ctx context.Context, rec bulletin.TradeRecord) (bulletin.UpsertOutcome, error) {
	date := bulletin.Day(rec.TradeDate).Format(bulletin.DateLayout)
	now := u.clock.Now().UTC().Format(timestampLayout)

	var id int64
	err := u.tx.QueryRowContext(ctx, u.q.lookup, rec.ExchangeProductID, date).Scan(&id)
	switch {
	case err == nil:
		_, err = u.tx.ExecContext(ctx, u.q.update,
			rec.ExchangeProductName,
			rec.OilID,
			rec.DeliveryBasisID,
			rec.DeliveryBasisName,
			rec.DeliveryTypeID,
			rec.Volume.StringFixed(2),
			rec.Total.StringFixed(2),
			rec.Count,
			now,
			id,
		)
		if err != nil {
			return "", fmt.Errorf("update %s@%s: %w", rec.ExchangeProductID, date, err)
		}
		return bulletin.UpsertUpdated, nil
	case errors.Is(err, sql.ErrNoRows):
		_, err = u.tx.ExecContext(ctx, u.q.insert,
			rec.ExchangeProductID,
			rec.ExchangeProductName,
			rec.OilID,
			rec.DeliveryBasisID,
			rec.DeliveryBasisName,
			rec.DeliveryTypeID,
			rec.Volume.StringFixed(2),
			rec.Total.StringFixed(2),
			rec.Count,
			date,
			now,
			now,
		)
		if err != nil {
			return "", fmt.Errorf("insert %s@%s: %w", rec.ExchangeProductID, date, err)
		}
		return bulletin.UpsertInserted, nil
	default:
		return "", fmt.Errorf("lookup %s@%s: %w", rec.ExchangeProductID, date, err)
	}
}
