package domain

import "time"

// OrderType es la política de vida de una orden en el CLOB.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // fill-or-kill
	OrderTypeFAK OrderType = "FAK" // fill-and-kill
	OrderTypeGTC OrderType = "GTC" // resting maker
)

// OrderTypeHint lets the caller steer order-type selection. Only the market maker asks for Maker.
type OrderTypeHint int

const (
	HintAuto OrderTypeHint = iota
	HintMaker
)

// OrderErrorCode clasifica un OrderResult fallido.
type OrderErrorCode string

const (
	OrderErrNone          OrderErrorCode = ""
	OrderErrNoLiquidity   OrderErrorCode = "no_liquidity"
	OrderErrBelowMinSize  OrderErrorCode = "below_min_size"
	OrderErrInvalidIntent OrderErrorCode = "invalid_intent"
	OrderErrAuth          OrderErrorCode = "auth_failed"
	OrderErrRateLimited   OrderErrorCode = "rate_limited"
	OrderErrRejected      OrderErrorCode = "rejected"
	OrderErrNotFilled     OrderErrorCode = "not_filled"
	OrderErrNotSubmitted  OrderErrorCode = "not_submitted"
	OrderErrUnknown       OrderErrorCode = "unknown_outcome"
	OrderErrNetwork       OrderErrorCode = "network"
	OrderErrMarketClosed  OrderErrorCode = "market_closed"
	OrderErrBook          OrderErrorCode = "book_unavailable"
)

// OrderIntent es lo que el bot quiere ejecutar. La construye el bot engine y la consume
// el execution engine, que produce exactamente un OrderResult.
type OrderIntent struct {
	ClientOrderID string
	UserID        string
	InstrumentID  string
	MarketID      string
	Side          Side
	Shares        float64
	LimitPrice    float64 // 0 = descubrir precio del book
	Hint          OrderTypeHint
	NegRisk       bool
	Reason        string // copy | exit | flash | quote
}

// OrderRequest es la orden final, ya redondeada, que recibe el adapter.
type OrderRequest struct {
	ClientOrderID string
	InstrumentID  string
	MarketID      string
	Side          Side
	Price         float64
	Shares        float64
	Type          OrderType
	NegRisk       bool
	TickSize      float64
}

// Notional devuelve price × shares.
func (r OrderRequest) Notional() float64 { return r.Price * r.Shares }

// OrderStatus es el estado informado por el exchange.
type OrderStatus string

const (
	OrderStatusMatched   OrderStatus = "MATCHED"
	OrderStatusLive      OrderStatus = "LIVE"
	OrderStatusDelayed   OrderStatus = "DELAYED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusUnmatched OrderStatus = "UNMATCHED"
)

// OrderResult es el resultado de una intent: éxito con fill real o fallo tipado.
type OrderResult struct {
	ClientOrderID  string
	ExchangeID     string
	UserID         string
	InstrumentID   string
	MarketID       string
	Side           Side
	Type           OrderType
	Status         OrderStatus
	Success        bool
	RequestedPrice float64
	RequestedSize  float64
	FilledShares   float64
	FilledPrice    float64 // precio medio real del fill, nunca el pedido
	ErrorCode      OrderErrorCode
	ErrorMsg       string
	Attempts       int
	SubmittedAt    time.Time
	CompletedAt    time.Time
}

// Filled devuelve true si hubo ejecución confirmada.
func (r OrderResult) Filled() bool {
	return r.Success && r.FilledShares > 0
}

// Resting indica que la orden sigue en el libro y su estado aún puede cambiar.
func (r OrderResult) Resting() bool {
	return r.Success && (r.Status == OrderStatusLive || r.Status == OrderStatusDelayed)
}

// FilledUSD devuelve el notional ejecutado.
func (r OrderResult) FilledUSD() float64 {
	return r.FilledShares * r.FilledPrice
}

// Failure construye un OrderResult fallido para una intent.
func Failure(in OrderIntent, code OrderErrorCode, msg string) OrderResult {
	return OrderResult{
		ClientOrderID: in.ClientOrderID,
		UserID:        in.UserID,
		InstrumentID:  in.InstrumentID,
		MarketID:      in.MarketID,
		Side:          in.Side,
		RequestedSize: in.Shares,
		ErrorCode:     code,
		ErrorMsg:      msg,
		CompletedAt:   time.Now().UTC(),
	}
}
