package domain

import "math"

// ExchangeMinOrderUSD es el notional mínimo que el CLOB acepta para órdenes marketable.
const ExchangeMinOrderUSD = 1.0

const sizingEpsilon = 1e-9

// SizingReason explica cómo se llegó al tamaño final (o por qué se rechazó).
type SizingReason string

const (
	SizingProportional        SizingReason = "proportional"
	SizingFloorBoost          SizingReason = "floor_boost"
	SizingCappedAtMax         SizingReason = "capped_at_max"
	SizingCappedAtBalance     SizingReason = "capped_at_balance"
	SizingInsufficientFunds   SizingReason = "insufficient_funds"
	SizingInsufficientForMin  SizingReason = "insufficient_for_min_order"
	SizingCannotMeetMinShares SizingReason = "cannot_meet_min_shares"
	SizingInvalidPrice        SizingReason = "invalid_price"
	SizingNoTarget            SizingReason = "no_target"
)

// Rejection devuelve true para los motivos que implican tamaño cero.
func (r SizingReason) Rejection() bool {
	switch r {
	case SizingInsufficientFunds, SizingInsufficientForMin, SizingCannotMeetMinShares,
		SizingInvalidPrice, SizingNoTarget:
		return true
	}
	return false
}

// SizingInput son los parámetros de una oportunidad de copy-trading.
type SizingInput struct {
	YourBalance    float64 // USDC disponible del follower
	TraderBalance  float64 // USDC de la wallet copiada
	TraderTradeUSD float64 // notional del trade copiado
	Multiplier     float64
	Price          float64
	MaxTradeAmount float64 // <= 0 sin límite
	MinShares      float64
	USDFloor       float64 // <= 0 usa ExchangeMinOrderUSD
}

// SizingDecision es el resultado puro del sizing. Con TargetShares == 0 es un rechazo.
type SizingDecision struct {
	TargetUSD    float64
	TargetShares int
	Price        float64 // precio saneado usado en el cálculo
	Reason       SizingReason
	RawTarget    float64
	EffectiveMin float64
}

// Rejected devuelve true si la decisión no produce orden.
func (d SizingDecision) Rejected() bool {
	return d.TargetShares == 0
}

// Shares devuelve TargetShares como float64 para construir la orden.
func (d SizingDecision) Shares() float64 {
	return float64(d.TargetShares)
}

// Size convierte el trade de la wallet copiada en una orden proporcional que
// cumple los mínimos del exchange. Es determinista y sin efectos secundarios.
//
// Orden canónico: precio → ratio → floor boost (USD) → caps → shares (floor) →
// re-chequeo de mínimos en shares (boost o rechazo) → redondeo a centavos.
func Size(in SizingInput) SizingDecision {
	if math.IsNaN(in.Price) || in.Price <= 0 {
		return reject(SizingInvalidPrice, 0)
	}
	price := math.Min(math.Max(in.Price, MinPrice), MaxPrice)

	if math.IsNaN(in.YourBalance) || in.YourBalance <= 0 {
		return reject(SizingInsufficientFunds, price)
	}
	balance := in.YourBalance

	ratio := balance / math.Max(1, in.TraderBalance+math.Max(0, in.TraderTradeUSD))
	raw := in.TraderTradeUSD * ratio * math.Max(0, in.Multiplier)
	if raw <= 0 || math.IsNaN(raw) {
		d := reject(SizingNoTarget, price)
		d.RawTarget = raw
		return d
	}

	floor := in.USDFloor
	if floor <= 0 {
		floor = ExchangeMinOrderUSD
	}
	minShares := math.Max(0, in.MinShares)
	effMin := math.Max(floor, minShares*price)

	d := SizingDecision{Price: price, RawTarget: raw, EffectiveMin: effMin, Reason: SizingProportional}

	// Sin saldo para el mínimo: rechazo, nunca una orden que el exchange tiraría.
	if balance+sizingEpsilon < effMin {
		d.Reason = SizingInsufficientForMin
		return d
	}

	target := raw
	if target < effMin {
		target = effMin
		d.Reason = SizingFloorBoost
	}

	limit := balance
	if in.MaxTradeAmount > 0 {
		if in.MaxTradeAmount+sizingEpsilon < effMin {
			d.Reason = SizingCannotMeetMinShares
			return d
		}
		if target > in.MaxTradeAmount {
			target = in.MaxTradeAmount
			d.Reason = SizingCappedAtMax
		}
		limit = math.Min(limit, in.MaxTradeAmount)
	}
	if target > balance {
		target = balance
		d.Reason = SizingCappedAtBalance
	}

	shares := int(math.Floor(target/price + sizingEpsilon))

	// Mínimo en shares: el del mercado y el que hace falta para superar el floor en USD.
	need := int(math.Ceil(minShares - sizingEpsilon))
	if byFloor := int(math.Ceil(floor/price - sizingEpsilon)); byFloor > need {
		need = byFloor
	}
	if shares < need {
		if float64(need)*price > limit+sizingEpsilon {
			d.Reason = SizingCannotMeetMinShares
			return d
		}
		shares = need
		if d.Reason == SizingProportional {
			d.Reason = SizingFloorBoost
		}
	}

	usd := roundCents(float64(shares) * price)
	for shares > 0 && usd > limit+sizingEpsilon {
		shares--
		usd = roundCents(float64(shares) * price)
	}
	if shares < need || shares == 0 {
		d.Reason = SizingCannotMeetMinShares
		return d
	}

	d.TargetShares = shares
	d.TargetUSD = usd
	return d
}

func reject(reason SizingReason, price float64) SizingDecision {
	return SizingDecision{Reason: reason, Price: price}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
