package execution

import (
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// shareDecimals es la precisión de shares que acepta el CLOB.
const shareDecimals = 2

// RoundPrice lleva price al múltiplo de tick. Las compras redondean hacia arriba y las
// ventas hacia abajo para no quedarse sin fill por un tick; aggressive=false invierte el
// sentido (quotes maker). El resultado se acota a [max(tick, MinPrice), min(1-tick, MaxPrice)].
func RoundPrice(price, tick float64, side domain.Side, aggressive bool) float64 {
	if tick <= 0 {
		tick = domain.DefaultTickSize
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t)

	up := side == domain.SideBuy
	if !aggressive {
		up = !up
	}
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return clamp(steps.Mul(t), t)
}

// RoundShares trunca a la precisión del CLOB. Nunca redondea hacia arriba.
func RoundShares(shares float64) float64 {
	f, _ := decimal.NewFromFloat(shares).Truncate(shareDecimals).Float64()
	return f
}

func clamp(p, tick decimal.Decimal) float64 {
	lo := decimal.Max(tick, decimal.NewFromFloat(domain.MinPrice))
	hi := decimal.Min(decimal.NewFromInt(1).Sub(tick), decimal.NewFromFloat(domain.MaxPrice))
	switch {
	case p.LessThan(lo):
		p = lo
	case p.GreaterThan(hi):
		p = hi
	}
	f, _ := p.Float64()
	return f
}
