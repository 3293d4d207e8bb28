package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

func newMemStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RecordOrderResult(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	r := domain.OrderResult{
		ClientOrderID: "c-1",
		ExchangeID:    "0xabc",
		UserID:        "alice",
		InstrumentID:  "tok",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeFOK,
		Status:        domain.OrderStatusMatched,
		Success:       true,
		FilledShares:  10,
		FilledPrice:   0.43,
		CompletedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.RecordOrderResult(ctx, r))
	require.NoError(t, s.RecordOrderResult(ctx, domain.OrderResult{
		ClientOrderID: "c-2", UserID: "alice", InstrumentID: "tok", Side: domain.SideSell,
		ErrorCode: domain.OrderErrNoLiquidity,
	}))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_results WHERE user_id = 'alice'`).Scan(&n))
	assert.Equal(t, 2, n)

	var code string
	var success int
	var price float64
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT error_code, success, filled_price FROM order_results WHERE client_order_id = 'c-1'`).Scan(&code, &success, &price))
	assert.Empty(t, code)
	assert.Equal(t, 1, success)
	assert.InDelta(t, 0.43, price, 1e-9)
}

func TestSQLiteStore_InventorySnapshot(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RecordInventory(ctx, domain.InventoryState{
		UserID: "alice", InstrumentID: "tok_yes", MarketID: "0xc", Outcome: domain.OutcomeYes,
		Shares: 10, EntryPrice: 0.4, UpdatedAt: now,
	}))
	require.NoError(t, s.RecordInventory(ctx, domain.InventoryState{
		UserID: "alice", InstrumentID: "tok_yes", MarketID: "0xc", Outcome: domain.OutcomeYes,
		Shares: 4, EntryPrice: 0.4, RealizedPnL: 0.6, UpdatedAt: now.Add(time.Minute),
	}))
	require.NoError(t, s.RecordInventory(ctx, domain.InventoryState{
		UserID: "bob", InstrumentID: "tok_no", Shares: 7, UpdatedAt: now,
	}))

	states, err := s.LoadInventory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, states, 1, "el snapshot guarda solo el último estado")
	assert.InDelta(t, 4.0, states[0].Shares, 1e-9)
	assert.InDelta(t, 0.6, states[0].RealizedPnL, 1e-9)
	assert.Equal(t, domain.OutcomeYes, states[0].Outcome)
	assert.Equal(t, "alice", states[0].UserID)

	var events int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_events`).Scan(&events))
	assert.Equal(t, 3, events, "los eventos son append-only")

	empty, err := s.LoadInventory(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
