package storage

// postgres.go: backend opcional para despliegues con varias instancias.
// Mismo modelo que SQLite; cada evento de inventario se escribe como un pgx.Batch
// (evento + upsert del snapshot) en un solo round-trip.

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS order_results (
    id              BIGSERIAL PRIMARY KEY,
    client_order_id TEXT        NOT NULL,
    exchange_id     TEXT        NOT NULL DEFAULT '',
    user_id         TEXT        NOT NULL,
    instrument_id   TEXT        NOT NULL,
    market_id       TEXT        NOT NULL DEFAULT '',
    side            TEXT        NOT NULL,
    order_type      TEXT        NOT NULL DEFAULT '',
    status          TEXT        NOT NULL DEFAULT '',
    success         BOOLEAN     NOT NULL DEFAULT FALSE,
    requested_price DOUBLE PRECISION NOT NULL DEFAULT 0,
    requested_size  DOUBLE PRECISION NOT NULL DEFAULT 0,
    filled_shares   DOUBLE PRECISION NOT NULL DEFAULT 0,
    filled_price    DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_code      TEXT        NOT NULL DEFAULT '',
    error_msg       TEXT        NOT NULL DEFAULT '',
    attempts        INTEGER     NOT NULL DEFAULT 0,
    submitted_at    TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON order_results(user_id, completed_at DESC);

CREATE TABLE IF NOT EXISTS inventory_events (
    id            BIGSERIAL PRIMARY KEY,
    user_id       TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    market_id     TEXT NOT NULL DEFAULT '',
    outcome       TEXT NOT NULL DEFAULT '',
    shares        DOUBLE PRECISION NOT NULL,
    entry_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
    realized_pnl  DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory (
    user_id       TEXT NOT NULL,
    instrument_id TEXT NOT NULL,
    market_id     TEXT NOT NULL DEFAULT '',
    outcome       TEXT NOT NULL DEFAULT '',
    shares        DOUBLE PRECISION NOT NULL,
    entry_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
    realized_pnl  DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, instrument_id)
);
`

// PostgresStore implementa ports.Store sobre un pool de pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore conecta, verifica con Ping y aplica el schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStore: parse dsn: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage.NewPostgresStore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage.NewPostgresStore: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// RecordOrderResult añade un OrderResult.
func (s *PostgresStore) RecordOrderResult(ctx context.Context, r domain.OrderResult) error {
	var submitted *time.Time
	if !r.SubmittedAt.IsZero() {
		t := r.SubmittedAt.UTC()
		submitted = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_results (
			client_order_id, exchange_id, user_id, instrument_id, market_id, side, order_type,
			status, success, requested_price, requested_size, filled_shares, filled_price,
			error_code, error_msg, attempts, submitted_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ClientOrderID, r.ExchangeID, r.UserID, r.InstrumentID, r.MarketID,
		string(r.Side), string(r.Type), string(r.Status), r.Success,
		r.RequestedPrice, r.RequestedSize, r.FilledShares, r.FilledPrice,
		string(r.ErrorCode), r.ErrorMsg, r.Attempts, submitted, orNow(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordOrderResult: %w", err)
	}
	return nil
}

// RecordInventory escribe el evento y el snapshot en un batch transaccional.
func (s *PostgresStore) RecordInventory(ctx context.Context, st domain.InventoryState) error {
	updated := orNow(st.UpdatedAt)
	args := []any{st.UserID, st.InstrumentID, st.MarketID, string(st.Outcome), st.Shares, st.EntryPrice, st.RealizedPnL, updated}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO inventory_events (user_id, instrument_id, market_id, outcome, shares, entry_price, realized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, args...)
	batch.Queue(`
		INSERT INTO inventory (user_id, instrument_id, market_id, outcome, shares, entry_price, realized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, instrument_id) DO UPDATE SET
			market_id    = EXCLUDED.market_id,
			outcome      = EXCLUDED.outcome,
			shares       = EXCLUDED.shares,
			entry_price  = EXCLUDED.entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at   = EXCLUDED.updated_at`, args...)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage.RecordInventory: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage.RecordInventory: batch: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadInventory devuelve el último estado de cada posición del usuario.
func (s *PostgresStore) LoadInventory(ctx context.Context, userID string) ([]domain.InventoryState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument_id, market_id, outcome, shares, entry_price, realized_pnl, updated_at
		FROM inventory WHERE user_id = $1 ORDER BY instrument_id`, userID)
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

// Close cierra el pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
