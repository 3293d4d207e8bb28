package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Side es el lado de una orden o trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite devuelve el lado contrario.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Outcome identifica el lado de un mercado binario.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome normaliza "Yes"/"yes"/"YES" etc.
func ParseOutcome(s string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES":
		return OutcomeYes
	case "NO":
		return OutcomeNo
	}
	return Outcome(strings.ToUpper(s))
}

// TickSource distingue ticks de trades ejecutados de actualizaciones del book.
type TickSource string

const (
	TickSourceTrade TickSource = "trade"
	TickSourceBook  TickSource = "book"
)

// EventKind es el discriminante de los eventos normalizados que emite el hub.
type EventKind int

const (
	EventPriceTick EventKind = iota + 1
	EventBookSnapshot
	EventWalletTrade
	EventMarketResolved
	EventTickSizeChange
	EventFlashMove
)

func (k EventKind) String() string {
	switch k {
	case EventPriceTick:
		return "price_tick"
	case EventBookSnapshot:
		return "book"
	case EventWalletTrade:
		return "wallet_trade"
	case EventMarketResolved:
		return "market_resolved"
	case EventTickSizeChange:
		return "tick_size_change"
	case EventFlashMove:
		return "flash_move"
	}
	return "unknown"
}

// Event is the closed set of normalized messages produced at the hub boundary.
// Consumers switch on the concrete type.
type Event interface {
	Kind() EventKind
}

// PriceTick es un precio observado para un instrumento.
type PriceTick struct {
	InstrumentID string
	MarketID     string
	Price        float64
	Size         float64
	Side         Side
	BestBid      float64 // 0 si el frame no trae touch
	BestAsk      float64
	Timestamp    time.Time
	Source       TickSource
}

func (PriceTick) Kind() EventKind { return EventPriceTick }

// Notional devuelve price × size en USDC.
func (t PriceTick) Notional() float64 { return t.Price * t.Size }

// BookSnapshot transporta un libro completo recibido del feed.
type BookSnapshot struct {
	Book OrderBook
}

func (BookSnapshot) Kind() EventKind { return EventBookSnapshot }

// WalletTrade es un trade ejecutado por una wallet objetivo (fuente de copy-trading).
type WalletTrade struct {
	Wallet       string
	TxHash       string
	InstrumentID string
	MarketID     string
	Outcome      Outcome
	Side         Side
	Price        float64
	Size         float64 // shares
	Timestamp    time.Time
}

func (WalletTrade) Kind() EventKind { return EventWalletTrade }

// USD devuelve el notional del trade.
func (w WalletTrade) USD() float64 { return w.Price * w.Size }

// Hash identifica el trade de forma estable para deduplicar.
func (w WalletTrade) Hash() string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToLower(w.Wallet),
		strings.ToLower(w.TxHash),
		w.InstrumentID,
		string(w.Side),
		strconv.FormatFloat(w.Size, 'f', 6, 64),
		strconv.FormatFloat(w.Price, 'f', 6, 64),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarketResolved indica que un mercado cerró; sus instrumentos dejan de ser operables.
type MarketResolved struct {
	MarketID            string
	InstrumentIDs       []string
	WinningInstrumentID string
	Timestamp           time.Time
}

func (MarketResolved) Kind() EventKind { return EventMarketResolved }

// TickSizeChange notifica un nuevo tick size para un instrumento.
type TickSizeChange struct {
	InstrumentID string
	MarketID     string
	TickSize     float64
}

func (TickSizeChange) Kind() EventKind { return EventTickSizeChange }

// WalletKey normaliza una dirección para usarla como clave.
func WalletKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
