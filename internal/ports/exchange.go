package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Exchange es el único punto de contacto con el exchange. El core nunca habla el
// protocolo del CLOB directamente; todos los fallos llegan como *domain.ExchangeError.
type Exchange interface {
	// GetOrderBook devuelve el libro de un instrumento con tick size y min order size.
	GetOrderBook(ctx context.Context, instrumentID string) (domain.OrderBook, error)

	// GetOrderBooks devuelve varios libros de una vez. Los ids sin libro válido no aparecen.
	GetOrderBooks(ctx context.Context, instrumentIDs []string) (map[string]domain.OrderBook, error)

	// CreateOrder firma y envía una orden ya redondeada. El resultado lleva el fill real.
	CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)

	// CancelOrder cancela una orden resting por su id del exchange.
	CancelOrder(ctx context.Context, orderID string) error

	// LookupOrder consulta el estado real de una orden enviada con clientOrderID.
	// Devuelve domain.ErrNotFound si el exchange nunca la recibió.
	LookupOrder(ctx context.Context, clientOrderID string) (domain.OrderResult, error)

	// Forget libera lo que el adapter recuerda de una orden con resultado definitivo.
	Forget(clientOrderID string)

	// Reauthenticate descarta las credenciales cacheadas y las vuelve a derivar.
	Reauthenticate(ctx context.Context) error

	// GetBalance devuelve el USDC disponible de address.
	GetBalance(ctx context.Context, address string) (float64, error)

	// TokenBalance devuelve las shares on-chain de address en instrumentID.
	TokenBalance(ctx context.Context, address, instrumentID string) (float64, error)

	IsMarketTradeable(ctx context.Context, marketID string) (bool, error)

	// GetMarket devuelve tokens, tick size y flags de un mercado por condition id.
	GetMarket(ctx context.Context, marketID string) (domain.Market, error)
}
