package storage

// sqlite.go: persistencia local del core.
//
// Tablas:
//   order_results   : un registro append-only por OrderResult
//   inventory_events: historial append-only de cambios de posición
//   inventory       : último estado por (user, instrument), para reanudar sin replay
//
// Prune al arrancar: order_results e inventory_events > 90d.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_results (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    client_order_id TEXT    NOT NULL,
    exchange_id     TEXT    NOT NULL DEFAULT '',
    user_id         TEXT    NOT NULL,
    instrument_id   TEXT    NOT NULL,
    market_id       TEXT    NOT NULL DEFAULT '',
    side            TEXT    NOT NULL,
    order_type      TEXT    NOT NULL DEFAULT '',
    status          TEXT    NOT NULL DEFAULT '',
    success         INTEGER NOT NULL DEFAULT 0,
    requested_price REAL    NOT NULL DEFAULT 0,
    requested_size  REAL    NOT NULL DEFAULT 0,
    filled_shares   REAL    NOT NULL DEFAULT 0,
    filled_price    REAL    NOT NULL DEFAULT 0,
    error_code      TEXT    NOT NULL DEFAULT '',
    error_msg       TEXT    NOT NULL DEFAULT '',
    attempts        INTEGER NOT NULL DEFAULT 0,
    submitted_at    DATETIME,
    completed_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON order_results(user_id, completed_at DESC);

CREATE TABLE IF NOT EXISTS inventory_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    market_id     TEXT NOT NULL DEFAULT '',
    outcome       TEXT NOT NULL DEFAULT '',
    shares        REAL NOT NULL,
    entry_price   REAL NOT NULL DEFAULT 0,
    realized_pnl  REAL NOT NULL DEFAULT 0,
    updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory (
    user_id       TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    market_id     TEXT NOT NULL DEFAULT '',
    outcome       TEXT NOT NULL DEFAULT '',
    shares        REAL NOT NULL,
    entry_price   REAL NOT NULL DEFAULT 0,
    realized_pnl  REAL NOT NULL DEFAULT 0,
    updated_at    DATETIME NOT NULL,
    PRIMARY KEY (user_id, instrument_id)
);
`

const retentionEvents = 90 * 24 * time.Hour

// SQLiteStore implementa ports.Store usando SQLite (pure Go, sin CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore abre (o crea) la base de datos en la ruta dada, aplica el schema
// y limpia eventos antiguos.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// RecordOrderResult añade un OrderResult.
func (s *SQLiteStore) RecordOrderResult(ctx context.Context, r domain.OrderResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_results (
			client_order_id, exchange_id, user_id, instrument_id, market_id, side, order_type,
			status, success, requested_price, requested_size, filled_shares, filled_price,
			error_code, error_msg, attempts, submitted_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ClientOrderID, r.ExchangeID, r.UserID, r.InstrumentID, r.MarketID,
		string(r.Side), string(r.Type), string(r.Status), boolToInt(r.Success),
		r.RequestedPrice, r.RequestedSize, r.FilledShares, r.FilledPrice,
		string(r.ErrorCode), r.ErrorMsg, r.Attempts, nullTime(r.SubmittedAt), orNow(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordOrderResult: %w", err)
	}
	return nil
}

// RecordInventory añade el evento y actualiza el último estado en una transacción.
func (s *SQLiteStore) RecordInventory(ctx context.Context, st domain.InventoryState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.RecordInventory: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	updated := orNow(st.UpdatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_events (user_id, instrument_id, market_id, outcome, shares, entry_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.UserID, st.InstrumentID, st.MarketID, string(st.Outcome), st.Shares, st.EntryPrice, st.RealizedPnL, updated,
	); err != nil {
		return fmt.Errorf("storage.RecordInventory: insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory (user_id, instrument_id, market_id, outcome, shares, entry_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, instrument_id) DO UPDATE SET
			market_id    = excluded.market_id,
			outcome      = excluded.outcome,
			shares       = excluded.shares,
			entry_price  = excluded.entry_price,
			realized_pnl = excluded.realized_pnl,
			updated_at   = excluded.updated_at`,
		st.UserID, st.InstrumentID, st.MarketID, string(st.Outcome), st.Shares, st.EntryPrice, st.RealizedPnL, updated,
	); err != nil {
		return fmt.Errorf("storage.RecordInventory: upsert: %w", err)
	}
	return tx.Commit()
}

// LoadInventory devuelve el último estado de cada posición del usuario.
func (s *SQLiteStore) LoadInventory(ctx context.Context, userID string) ([]domain.InventoryState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, market_id, outcome, shares, entry_price, realized_pnl, updated_at
		FROM inventory WHERE user_id = ? ORDER BY instrument_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadInventory: %w", err)
	}
	defer rows.Close()

	var out []domain.InventoryState
	for rows.Next() {
		st := domain.InventoryState{UserID: userID}
		var outcome string
		if err := rows.Scan(&st.InstrumentID, &st.MarketID, &outcome, &st.Shares, &st.EntryPrice, &st.RealizedPnL, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage.LoadInventory: scan: %w", err)
		}
		st.Outcome = domain.Outcome(outcome)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close cierra la base de datos.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// pruneOld elimina eventos antiguos para mantener la DB ligera. El snapshot no se toca.
func (s *SQLiteStore) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionEvents)
	s.db.ExecContext(ctx, `DELETE FROM order_results WHERE completed_at < ?`, cutoff)   //nolint:errcheck
	s.db.ExecContext(ctx, `DELETE FROM inventory_events WHERE updated_at < ?`, cutoff) //nolint:errcheck
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
