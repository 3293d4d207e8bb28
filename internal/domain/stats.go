package domain

import "time"

// BotStats resume la actividad de un bot engine para reportes.
type BotStats struct {
	UserID          string
	StartedAt       time.Time
	SignalsSeen     int
	SignalsDeduped  int
	FlashEvents     int
	SizingRejected  int
	OrdersSubmitted int
	OrdersFilled    int
	OrdersFailed    int
	QuotesPlaced    int
	VolumeUSD       float64
	RealizedPnL     float64
	OpenPositions   int
	Halted          bool
	HaltReason      string
}

// FillRate devuelve fills / submitted.
func (s BotStats) FillRate() float64 {
	if s.OrdersSubmitted == 0 {
		return 0
	}
	return float64(s.OrdersFilled) / float64(s.OrdersSubmitted)
}
