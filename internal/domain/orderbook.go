package domain

import (
	"strconv"
	"time"
)

// Límites del precio de un token binario. Fuera de [MinPrice, MaxPrice] el CLOB rechaza la orden.
const (
	MinPrice        = 0.001
	MaxPrice        = 0.999
	DefaultTickSize = 0.01
)

// OrderBook representa el libro de órdenes de un token.
type OrderBook struct {
	TokenID      string
	MarketID     string
	Bids         []BookEntry // ordenados mayor a menor precio
	Asks         []BookEntry // ordenados menor a mayor precio
	TickSize     float64
	MinOrderSize float64 // en shares
	Timestamp    time.Time
}

// BookEntry es un nivel de precio en el orderbook.
type BookEntry struct {
	Price float64
	Size  float64
}

// BestBid devuelve el mejor precio de compra (mayor bid).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk devuelve el mejor precio de venta (menor ask).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Midpoint devuelve el punto medio entre best bid y best ask.
func (ob OrderBook) Midpoint() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread devuelve el spread del book (ask - bid) en unidades de precio.
// Devuelve 0 si falta algún lado.
func (ob OrderBook) Spread() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// Tick devuelve el tick size del book o DefaultTickSize si el exchange no lo informó.
func (ob OrderBook) Tick() float64 {
	if ob.TickSize > 0 {
		return ob.TickSize
	}
	return DefaultTickSize
}

// TopOfBook devuelve el precio ejecutable para un taker del lado dado:
// best ask para compras, best bid para ventas. ok=false si ese lado está vacío.
func (ob OrderBook) TopOfBook(side Side) (price float64, ok bool) {
	if side == SideBuy {
		if len(ob.Asks) == 0 {
			return 0, false
		}
		return ob.Asks[0].Price, true
	}
	if len(ob.Bids) == 0 {
		return 0, false
	}
	return ob.Bids[0].Price, true
}

// BidDepthUSDC suma size × price de todos los bids.
func (ob OrderBook) BidDepthUSDC() float64 {
	var total float64
	for _, b := range ob.Bids {
		total += b.Size * b.Price
	}
	return total
}

// AskDepthUSDC suma size × price de todos los asks.
func (ob OrderBook) AskDepthUSDC() float64 {
	var total float64
	for _, a := range ob.Asks {
		total += a.Size * a.Price
	}
	return total
}

// Sweep simula un taker que consume niveles hasta limit (inclusive) buscando shares.
// Devuelve shares ejecutables y su precio medio. Usado por el exchange de paper.
func (ob OrderBook) Sweep(side Side, shares, limit float64) (filled, avgPrice float64) {
	levels := ob.Asks
	if side == SideSell {
		levels = ob.Bids
	}
	var cost float64
	for _, lvl := range levels {
		if filled >= shares {
			break
		}
		if side == SideBuy && lvl.Price > limit+1e-9 {
			break
		}
		if side == SideSell && lvl.Price < limit-1e-9 {
			break
		}
		take := lvl.Size
		if filled+take > shares {
			take = shares - filled
		}
		filled += take
		cost += take * lvl.Price
	}
	if filled == 0 {
		return 0, 0
	}
	return filled, cost / filled
}

// MarginalPrice devuelve el peor nivel que un taker toca para llenar shares.
// full=false si el lado no alcanza; price es entonces el último nivel.
func (ob OrderBook) MarginalPrice(side Side, shares float64) (price float64, full bool) {
	levels := ob.Asks
	if side == SideSell {
		levels = ob.Bids
	}
	var depth float64
	for _, lvl := range levels {
		price = lvl.Price
		depth += lvl.Size
		if depth+1e-9 >= shares {
			return price, true
		}
	}
	return price, false
}

// ParsePrice convierte un string de precio a float64.
// Usado en el mapping de la API.
func ParsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
