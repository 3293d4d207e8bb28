package domain

import "time"

// TrackedInstrument es el estado vivo de un token operable.
// Lo crea el discovery de mercados y lo muta el hub en cada tick.
type TrackedInstrument struct {
	InstrumentID   string
	MarketID       string
	Outcome        Outcome
	BestBid        float64
	BestAsk        float64
	LastTradePrice float64
	TickSize       float64
	MinOrderSize   float64
	NegRisk        bool
	DiscoveredAt   time.Time
	UpdatedAt      time.Time
	Tradeable      bool
}

// NewTrackedInstruments crea los dos instrumentos (YES/NO) de un mercado.
func NewTrackedInstruments(m Market, now time.Time) []*TrackedInstrument {
	out := make([]*TrackedInstrument, 0, 2)
	for _, tok := range m.Tokens {
		if tok.TokenID == "" {
			continue
		}
		out = append(out, &TrackedInstrument{
			InstrumentID:   tok.TokenID,
			MarketID:       m.ConditionID,
			Outcome:        ParseOutcome(tok.Outcome),
			LastTradePrice: tok.Price,
			TickSize:       m.TickSize,
			MinOrderSize:   m.MinOrderSize,
			NegRisk:        m.NegRisk,
			DiscoveredAt:   now,
			UpdatedAt:      now,
			Tradeable:      m.Tradeable(),
		})
	}
	return out
}

// Apply actualiza el instrumento con un evento del hub. Devuelve true si algo cambió.
func (ti *TrackedInstrument) Apply(ev Event) bool {
	switch e := ev.(type) {
	case PriceTick:
		if e.InstrumentID != ti.InstrumentID {
			return false
		}
		if e.Source == TickSourceTrade {
			ti.LastTradePrice = e.Price
		}
		if e.BestBid > 0 {
			ti.BestBid = e.BestBid
		}
		if e.BestAsk > 0 {
			ti.BestAsk = e.BestAsk
		}
		ti.UpdatedAt = e.Timestamp
		return true
	case BookSnapshot:
		if e.Book.TokenID != ti.InstrumentID {
			return false
		}
		ti.BestBid = e.Book.BestBid()
		ti.BestAsk = e.Book.BestAsk()
		if e.Book.TickSize > 0 {
			ti.TickSize = e.Book.TickSize
		}
		if e.Book.MinOrderSize > 0 {
			ti.MinOrderSize = e.Book.MinOrderSize
		}
		ti.UpdatedAt = e.Book.Timestamp
		return true
	case TickSizeChange:
		if e.InstrumentID != ti.InstrumentID || e.TickSize <= 0 {
			return false
		}
		ti.TickSize = e.TickSize
		return true
	case MarketResolved:
		for _, id := range e.InstrumentIDs {
			if id == ti.InstrumentID {
				ti.Retire()
				return true
			}
		}
		if e.MarketID != "" && e.MarketID == ti.MarketID {
			ti.Retire()
			return true
		}
	case WalletTrade:
	}
	return false
}

// Retire marca el instrumento como no operable. Nunca se borra mientras viva el proceso.
func (ti *TrackedInstrument) Retire() {
	ti.Tradeable = false
}
