package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Notifier presenta eventos relevantes al operador.
type Notifier interface {
	// NotifyFill avisa de una orden ejecutada.
	NotifyFill(ctx context.Context, r domain.OrderResult) error

	// NotifyFlash avisa de un flash move detectado.
	NotifyFlash(ctx context.Context, ev domain.FlashMoveEvent) error

	// NotifyHalt avisa de que el bot de un usuario se detuvo.
	NotifyHalt(ctx context.Context, userID, reason string) error

	// Report muestra el resumen por usuario.
	Report(ctx context.Context, stats []domain.BotStats) error
}
