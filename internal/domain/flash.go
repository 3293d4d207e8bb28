package domain

import "time"

// FlashMoveEvent es un movimiento rápido de precio que cruzó los umbrales del detector.
// Se emite una vez por cruce y por ventana de cooldown; inmutable una vez emitido.
type FlashMoveEvent struct {
	InstrumentID string
	MarketID     string
	OldPrice     float64
	NewPrice     float64
	Velocity     float64 // cambio relativo dentro de la ventana
	Confidence   float64 // [0,1]
	WindowVolume float64 // USDC negociados en la ventana
	Timestamp    time.Time
}

func (FlashMoveEvent) Kind() EventKind { return EventFlashMove }

// Direction devuelve BUY para movimientos alcistas y SELL para bajistas.
func (e FlashMoveEvent) Direction() Side {
	if e.NewPrice >= e.OldPrice {
		return SideBuy
	}
	return SideSell
}
