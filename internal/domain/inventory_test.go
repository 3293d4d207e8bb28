package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(inst, market string, side Side, shares, price float64) OrderResult {
	return OrderResult{
		InstrumentID: inst,
		MarketID:     market,
		Side:         side,
		Success:      true,
		FilledShares: shares,
		FilledPrice:  price,
		CompletedAt:  time.Now(),
	}
}

func TestInventory_WeightedEntry(t *testing.T) {
	inv := NewInventory("u1")
	inv.Apply(fill("yes", "m", SideBuy, 10, 0.40), OutcomeYes)
	st, _, changed := inv.Apply(fill("yes", "m", SideBuy, 10, 0.60), OutcomeYes)

	require.True(t, changed)
	assert.InDelta(t, 20, st.Shares, 1e-9)
	assert.InDelta(t, 0.50, st.EntryPrice, 1e-9)
	assert.Equal(t, "u1", st.UserID)
}

func TestInventory_SellCappedAtHoldings(t *testing.T) {
	inv := NewInventory("u1")
	inv.Apply(fill("yes", "m", SideBuy, 20, 0.50), OutcomeYes)
	st, realized, _ := inv.Apply(fill("yes", "m", SideSell, 30, 0.70), OutcomeYes)

	assert.Zero(t, st.Shares)
	assert.InDelta(t, 4.0, realized, 1e-9)
	assert.InDelta(t, 4.0, st.RealizedPnL, 1e-9)
}

func TestInventory_FailedResultDoesNotMutate(t *testing.T) {
	inv := NewInventory("u1")
	inv.Apply(fill("yes", "m", SideBuy, 10, 0.40), OutcomeYes)

	r := fill("yes", "m", SideBuy, 10, 0.40)
	r.Success = false
	_, _, changed := inv.Apply(r, OutcomeYes)

	assert.False(t, changed)
	assert.InDelta(t, 10, inv.Shares("yes"), 1e-9)
}

func TestInventory_NetExposure(t *testing.T) {
	inv := NewInventory("u1")
	inv.Apply(fill("yes", "m", SideBuy, 30, 0.40), OutcomeYes)
	inv.Apply(fill("no", "m", SideBuy, 12, 0.60), OutcomeNo)
	inv.Apply(fill("other", "m2", SideBuy, 50, 0.60), OutcomeYes)

	assert.InDelta(t, 18, inv.NetExposure("m"), 1e-9)
	assert.Len(t, inv.Snapshot(), 3)
	assert.Equal(t, "no", inv.Snapshot()[0].InstrumentID)
}

func TestInventory_RestoreClampsNegative(t *testing.T) {
	inv := NewInventory("u1")
	inv.Restore([]InventoryState{
		{InstrumentID: "a", Shares: 5, EntryPrice: 0.3},
		{InstrumentID: "b", Shares: -2},
	})
	assert.InDelta(t, 5, inv.Shares("a"), 1e-9)
	assert.Zero(t, inv.Shares("b"))
	assert.Equal(t, "u1", inv.Get("a").UserID)
}
