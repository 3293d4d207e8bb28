package domain

import "math"

// LiquidityHealth clasifica un book por gap absoluto en centavos y profundidad del mismo lado.
// En un mercado acotado a [0,1] el spread porcentual no significa nada cerca de los extremos.
type LiquidityHealth string

const (
	HealthHigh     LiquidityHealth = "HIGH"
	HealthMedium   LiquidityHealth = "MEDIUM"
	HealthLow      LiquidityHealth = "LOW"
	HealthCritical LiquidityHealth = "CRITICAL"
)

// Quotable devuelve false para CRITICAL.
func (h LiquidityHealth) Quotable() bool {
	return h != HealthCritical && h != ""
}

// LiquidityThresholds son los cortes de la clasificación (spread en unidades de precio, depth en USDC).
type LiquidityThresholds struct {
	HighMaxSpread   float64
	HighMinDepth    float64
	MediumMaxSpread float64
	MediumMinDepth  float64
	LowMinDepth     float64
}

// DefaultLiquidityThresholds: HIGH ≤2¢/$500, MEDIUM ≤5¢/$100, LOW $20.
func DefaultLiquidityThresholds() LiquidityThresholds {
	return LiquidityThresholds{
		HighMaxSpread:   0.02,
		HighMinDepth:    500,
		MediumMaxSpread: 0.05,
		MediumMinDepth:  100,
		LowMinDepth:     20,
	}
}

const priceEpsilon = 1e-9

// ClassifyLiquidity clasifica el book mirando la profundidad del lado side
// (bids para BUY, asks para SELL). Un book sin ambos lados es CRITICAL.
func ClassifyLiquidity(book OrderBook, side Side, th LiquidityThresholds) LiquidityHealth {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return HealthCritical
	}
	spread := book.Spread()
	depth := book.BidDepthUSDC()
	if side == SideSell {
		depth = book.AskDepthUSDC()
	}
	switch {
	case spread <= th.HighMaxSpread+priceEpsilon && depth >= th.HighMinDepth:
		return HealthHigh
	case spread <= th.MediumMaxSpread+priceEpsilon && depth >= th.MediumMinDepth:
		return HealthMedium
	case depth >= th.LowMinDepth:
		return HealthLow
	}
	return HealthCritical
}

// SkewParams controla cómo el inventario desplaza las cotizaciones.
type SkewParams struct {
	NeutralBand  float64 // shares netas sin skew
	SkewPerShare float64 // desplazamiento de precio por share fuera de la banda
	MaxSkew      float64
}

// Excess devuelve cuántas shares del lado outcome exceden la banda neutral.
// netExposure es YES − NO del mercado.
func (p SkewParams) Excess(netExposure float64, outcome Outcome) float64 {
	signed := netExposure
	if outcome == OutcomeNo {
		signed = -netExposure
	}
	return math.Max(0, signed-p.NeutralBand)
}

// Skew devuelve el desplazamiento de precio para el exceso dado.
func (p SkewParams) Skew(excess float64) float64 {
	return math.Min(p.MaxSkew, excess*p.SkewPerShare)
}

// Quote es un par bid/ask para un instrumento.
type Quote struct {
	InstrumentID string
	MarketID     string
	Bid          float64
	Ask          float64
	Size         float64
	Health       LiquidityHealth
	Skew         float64
}

// Valid devuelve true si el par es cotizable.
func (q Quote) Valid() bool {
	return q.Bid >= MinPrice && q.Ask <= MaxPrice && q.Bid < q.Ask
}

// ComputeQuote arma la cotización sobre el touch: mejora un tick cada lado si el spread
// lo permite y aplica el skew de inventario (baja el bid y sube el ask del lado en exceso).
func ComputeQuote(book OrderBook, outcome Outcome, netExposure float64, p SkewParams) Quote {
	tick := book.Tick()
	bid, ask := book.BestBid(), book.BestAsk()
	q := Quote{InstrumentID: book.TokenID, MarketID: book.MarketID}
	if bid == 0 || ask == 0 {
		return q
	}
	if ask-bid > 2*tick+priceEpsilon {
		bid += tick
		ask -= tick
	}

	q.Skew = p.Skew(p.Excess(netExposure, outcome))
	bid -= q.Skew
	ask += q.Skew

	q.Bid = clampPrice(floorToTick(bid, tick))
	q.Ask = clampPrice(ceilToTick(ask, tick))
	return q
}

func floorToTick(p, tick float64) float64 {
	return round6(math.Floor(p/tick+priceEpsilon) * tick)
}

func ceilToTick(p, tick float64) float64 {
	return round6(math.Ceil(p/tick-priceEpsilon) * tick)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clampPrice(p float64) float64 {
	return math.Min(math.Max(p, MinPrice), MaxPrice)
}
