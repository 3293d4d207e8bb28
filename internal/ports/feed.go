package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// FeedDialer abre conexiones al stream de mercado. El hub es su único cliente
// y se encarga de reconectar.
type FeedDialer interface {
	Dial(ctx context.Context) (FeedConn, error)
}

// FeedConn es una conexión viva al stream de mercado.
type FeedConn interface {
	// Subscribe añade assets a la conexión.
	Subscribe(ctx context.Context, assetIDs []string) error

	// Unsubscribe quita assets de la conexión.
	Unsubscribe(ctx context.Context, assetIDs []string) error

	// Next bloquea hasta el próximo frame y devuelve sus eventos normalizados.
	// Un frame malformado devuelve un error que envuelve domain.ErrData y la conexión sigue usable.
	Next(ctx context.Context) ([]domain.Event, error)

	Close() error
}

// WalletTradeSource devuelve los trades recientes de una wallet, más nuevos primero.
type WalletTradeSource interface {
	FetchWalletTrades(ctx context.Context, wallet string, limit int) ([]domain.WalletTrade, error)
}
