// Package repository implements the Order Repository (spec.md §4.D): a
// SQLite-backed durable store and an in-memory store for tests, both
// satisfying core.Repository. AtomicTransition is the sole mutator of
// Order.Status; it is a single UPDATE ... WHERE id = ? AND status = ?
// guarding the IN_EXECUTION critical section (invariant 6).
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
)

// SQLiteRepository is the production Repository, grounded on the
// teacher's engine/simple/store_sqlite.go: WAL mode for crash recovery,
// prepared statements, one transaction per mutation.
type SQLiteRepository struct {
	db     *sql.DB
	logger core.ILogger
	clock  core.Clock
}

// OpenSQLite opens (creating if absent) a SQLite database at dsn, enables
// WAL mode, and ensures the orders table/schema exists. clk is the sole
// source of "now" for every UpdatedAt stamp this repository writes,
// matching spec.md §4.A's "all time comparisons use the injected clock"
// so the reconciliation worker's staleness check (which reads UpdatedAt
// through the same clock) stays consistent under a fake clock in tests.
func OpenSQLite(dsn string, logger core.ILogger, clk core.Clock) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; WAL still allows concurrent readers.

	r := &SQLiteRepository{db: db, logger: logger.WithField("component", "repository"), clock: clk}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exchange_id TEXT NOT NULL,
	api_key_id TEXT NOT NULL,
	is_testnet INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	max_entry TEXT NOT NULL,
	entry_interval TEXT NOT NULL,
	take_profit TEXT,
	stop_loss TEXT,
	stop_interval TEXT NOT NULL,
	status TEXT NOT NULL,
	executed_price TEXT,
	executed_at INTEGER,
	closed_at INTEGER,
	tp_order_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

func nullableDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func parseNullableDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func parseNullableTime(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64)
	return &t
}

// Create inserts a new order row.
func (r *SQLiteRepository) Create(ctx context.Context, o domain.Order) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO orders (
	id, user_id, exchange_id, api_key_id, is_testnet, symbol, side, quantity,
	entry_price, max_entry, entry_interval, take_profit, stop_loss, stop_interval,
	status, executed_price, executed_at, closed_at, tp_order_id, created_at, updated_at, version
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID.String(), o.UserID, o.ExchangeID, o.APIKeyID, boolToInt(o.IsTestnet), o.Symbol, string(o.Side),
		o.Quantity.String(), o.EntryPrice.String(), o.MaxEntry.String(), string(o.EntryInterval),
		nullableDecimal(o.TakeProfit), nullableDecimal(o.StopLoss), string(o.StopInterval),
		string(o.Status), nullableDecimal(o.ExecutedPrice), nullableTime(o.ExecutedAt), nullableTime(o.ClosedAt),
		o.TPOrderID, o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(), o.Version)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const selectColumns = `id, user_id, exchange_id, api_key_id, is_testnet, symbol, side, quantity,
	entry_price, max_entry, entry_interval, take_profit, stop_loss, stop_interval,
	status, executed_price, executed_at, closed_at, tp_order_id, created_at, updated_at, version`

func scanOrder(row interface{ Scan(...interface{}) error }) (domain.Order, error) {
	var o domain.Order
	var id string
	var isTestnet int
	var side, entryInterval, stopInterval, status string
	var quantity, entryPrice, maxEntry string
	var takeProfit, stopLoss sql.NullString
	var executedPrice sql.NullString
	var executedAt, closedAt sql.NullInt64
	var createdAtMs, updatedAtMs int64

	err := row.Scan(&id, &o.UserID, &o.ExchangeID, &o.APIKeyID, &isTestnet, &o.Symbol, &side, &quantity,
		&entryPrice, &maxEntry, &entryInterval, &takeProfit, &stopLoss, &stopInterval,
		&status, &executedPrice, &executedAt, &closedAt, &o.TPOrderID, &createdAtMs, &updatedAtMs, &o.Version)
	if err != nil {
		return domain.Order{}, err
	}

	o.ID = uuid.MustParse(id)
	o.IsTestnet = isTestnet != 0
	o.Side = domain.Side(side)
	o.Quantity = decimal.RequireFromString(quantity)
	o.EntryPrice = decimal.RequireFromString(entryPrice)
	o.MaxEntry = decimal.RequireFromString(maxEntry)
	o.EntryInterval = domain.Interval(entryInterval)
	o.TakeProfit = parseNullableDecimal(takeProfit)
	o.StopLoss = parseNullableDecimal(stopLoss)
	o.StopInterval = domain.Interval(stopInterval)
	o.Status = domain.Status(status)
	o.ExecutedPrice = parseNullableDecimal(executedPrice)
	o.ExecutedAt = parseNullableTime(executedAt)
	o.ClosedAt = parseNullableTime(closedAt)
	o.CreatedAt = time.UnixMilli(createdAtMs)
	o.UpdatedAt = time.UnixMilli(updatedAtMs)
	return o, nil
}

// Load fetches a single order by ID.
func (r *SQLiteRepository) Load(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM orders WHERE id = ?", id.String())
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return domain.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("load order: %w", err)
	}
	return o, nil
}

// ListNonTerminal returns every order whose status is PENDING,
// IN_EXECUTION, or EXECUTED (spec.md §6 non-terminal set).
func (r *SQLiteRepository) ListNonTerminal(ctx context.Context) ([]domain.Order, error) {
	statuses := domain.NonTerminalStatuses()
	placeholders := make([]interface{}, len(statuses))
	qMarks := ""
	for i, s := range statuses {
		placeholders[i] = string(s)
		if i > 0 {
			qMarks += ","
		}
		qMarks += "?"
	}
	rows, err := r.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM orders WHERE status IN ("+qMarks+") ORDER BY created_at", placeholders...)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListByFilter returns orders matching the given filter.
func (r *SQLiteRepository) ListByFilter(ctx context.Context, filter core.OrderFilter) ([]domain.Order, error) {
	query := "SELECT " + selectColumns + " FROM orders WHERE 1=1"
	var args []interface{}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.ExchangeID != "" {
		query += " AND exchange_id = ?"
		args = append(args, filter.ExchangeID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by filter: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AtomicTransition is the sole mechanism for status changes: it succeeds
// only if the stored status equals expected, applying mutate to a copy of
// the loaded order inside one transaction and bumping UpdatedAt/Version.
// Returns apperrors.ErrConflict, without writing, if the stored status
// has already moved (invariant 6's critical-section guard).
func (r *SQLiteRepository) AtomicTransition(ctx context.Context, id uuid.UUID, expected domain.Status, mutate func(*domain.Order)) (domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM orders WHERE id = ?", id.String())
	current, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return domain.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("load for transition: %w", err)
	}
	if current.Status != expected {
		return domain.Order{}, apperrors.ErrConflict
	}

	updated := current
	mutate(&updated)
	updated.UpdatedAt = r.clock.Now()
	updated.Version = current.Version + 1

	res, err := tx.ExecContext(ctx, `
UPDATE orders SET
	status = ?, executed_price = ?, executed_at = ?, closed_at = ?, tp_order_id = ?,
	take_profit = ?, stop_loss = ?, max_entry = ?, entry_price = ?, entry_interval = ?, stop_interval = ?,
	updated_at = ?, version = ?
WHERE id = ? AND status = ? AND version = ?`,
		string(updated.Status), nullableDecimal(updated.ExecutedPrice), nullableTime(updated.ExecutedAt), nullableTime(updated.ClosedAt),
		updated.TPOrderID, nullableDecimal(updated.TakeProfit), nullableDecimal(updated.StopLoss), updated.MaxEntry.String(),
		updated.EntryPrice.String(), string(updated.EntryInterval), string(updated.StopInterval),
		updated.UpdatedAt.UnixMilli(), updated.Version,
		id.String(), string(expected), current.Version)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domain.Order{}, apperrors.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

// Patch applies a user-driven edit to a non-terminal, non-IN_EXECUTION
// order. Callers are responsible for the IsEditable check and for
// re-pegging any live TP before calling Patch (core.Repository doc).
func (r *SQLiteRepository) Patch(ctx context.Context, id uuid.UUID, patch domain.Patch) (domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM orders WHERE id = ?", id.String())
	current, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return domain.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("load for patch: %w", err)
	}
	if !current.IsEditable() {
		return domain.Order{}, fmt.Errorf("order %s is not editable in status %s", id, current.Status)
	}

	updated, err := patch.Apply(current)
	if err != nil {
		return domain.Order{}, err
	}
	updated.UpdatedAt = r.clock.Now()
	updated.Version = current.Version + 1

	_, err = tx.ExecContext(ctx, `
UPDATE orders SET take_profit = ?, stop_loss = ?, max_entry = ?, entry_price = ?, entry_interval = ?, stop_interval = ?,
	updated_at = ?, version = ?
WHERE id = ? AND version = ?`,
		nullableDecimal(updated.TakeProfit), nullableDecimal(updated.StopLoss), updated.MaxEntry.String(),
		updated.EntryPrice.String(), string(updated.EntryInterval), string(updated.StopInterval),
		updated.UpdatedAt.UnixMilli(), updated.Version,
		id.String(), current.Version)
	if err != nil {
		return domain.Order{}, fmt.Errorf("patch order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit patch: %w", err)
	}
	return updated, nil
}
