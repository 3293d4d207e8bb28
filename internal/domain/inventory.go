package domain

import (
	"math"
	"sort"
	"time"
)

// InventoryState es la posición de un usuario en un instrumento.
// Solo la mutan OrderResults confirmados; nunca baja de cero.
type InventoryState struct {
	UserID       string
	InstrumentID string
	MarketID     string
	Outcome      Outcome
	Shares       float64
	EntryPrice   float64 // precio medio de entrada
	RealizedPnL  float64
	UpdatedAt    time.Time
}

// CostBasis devuelve shares × precio de entrada.
func (s InventoryState) CostBasis() float64 {
	return s.Shares * s.EntryPrice
}

// Inventory agrupa las posiciones de un usuario. Es propiedad exclusiva de su bot engine.
type Inventory struct {
	userID    string
	positions map[string]*InventoryState
}

// NewInventory crea un inventario vacío para userID.
func NewInventory(userID string) *Inventory {
	return &Inventory{userID: userID, positions: make(map[string]*InventoryState)}
}

// Restore carga un snapshot previo sin reprocesar historial.
func (inv *Inventory) Restore(states []InventoryState) {
	for _, s := range states {
		if s.Shares < 0 {
			s.Shares = 0
		}
		s.UserID = inv.userID
		st := s
		inv.positions[s.InstrumentID] = &st
	}
}

// Get devuelve la posición en instrumentID (cero si no hay).
func (inv *Inventory) Get(instrumentID string) InventoryState {
	if s, ok := inv.positions[instrumentID]; ok {
		return *s
	}
	return InventoryState{UserID: inv.userID, InstrumentID: instrumentID}
}

// Shares devuelve las shares en instrumentID.
func (inv *Inventory) Shares(instrumentID string) float64 {
	if s, ok := inv.positions[instrumentID]; ok {
		return s.Shares
	}
	return 0
}

// Apply aplica un fill confirmado y devuelve el nuevo estado y el PnL realizado.
// Resultados sin fill no mutan nada (changed=false).
func (inv *Inventory) Apply(r OrderResult, outcome Outcome) (state InventoryState, realized float64, changed bool) {
	if !r.Filled() {
		return inv.Get(r.InstrumentID), 0, false
	}
	s, ok := inv.positions[r.InstrumentID]
	if !ok {
		s = &InventoryState{
			UserID:       inv.userID,
			InstrumentID: r.InstrumentID,
			MarketID:     r.MarketID,
			Outcome:      outcome,
		}
		inv.positions[r.InstrumentID] = s
	}
	if s.MarketID == "" {
		s.MarketID = r.MarketID
	}
	if s.Outcome == "" {
		s.Outcome = outcome
	}

	switch r.Side {
	case SideBuy:
		total := s.Shares + r.FilledShares
		s.EntryPrice = (s.Shares*s.EntryPrice + r.FilledShares*r.FilledPrice) / total
		s.Shares = total
	case SideSell:
		sold := math.Min(r.FilledShares, s.Shares)
		realized = (r.FilledPrice - s.EntryPrice) * sold
		s.Shares -= sold
		s.RealizedPnL += realized
		if s.Shares < 1e-9 {
			s.Shares = 0
			s.EntryPrice = 0
		}
	}
	s.UpdatedAt = r.CompletedAt
	return *s, realized, true
}

// NetExposure devuelve shares YES − shares NO en marketID.
func (inv *Inventory) NetExposure(marketID string) float64 {
	var net float64
	for _, s := range inv.positions {
		if s.MarketID != marketID {
			continue
		}
		switch s.Outcome {
		case OutcomeYes:
			net += s.Shares
		case OutcomeNo:
			net -= s.Shares
		}
	}
	return net
}

// Snapshot devuelve todas las posiciones ordenadas por instrumento.
func (inv *Inventory) Snapshot() []InventoryState {
	out := make([]InventoryState, 0, len(inv.positions))
	for _, s := range inv.positions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}
