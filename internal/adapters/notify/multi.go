package notify

import (
	"context"
	"errors"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// Multi reparte cada notificación a todos los notificadores y junta los errores.
type Multi []ports.Notifier

func (m Multi) NotifyFill(ctx context.Context, r domain.OrderResult) error {
	return m.each(func(n ports.Notifier) error { return n.NotifyFill(ctx, r) })
}

func (m Multi) NotifyFlash(ctx context.Context, ev domain.FlashMoveEvent) error {
	return m.each(func(n ports.Notifier) error { return n.NotifyFlash(ctx, ev) })
}

func (m Multi) NotifyHalt(ctx context.Context, userID, reason string) error {
	return m.each(func(n ports.Notifier) error { return n.NotifyHalt(ctx, userID, reason) })
}

func (m Multi) Report(ctx context.Context, stats []domain.BotStats) error {
	return m.each(func(n ports.Notifier) error { return n.Report(ctx, stats) })
}

func (m Multi) each(fn func(ports.Notifier) error) error {
	var errs []error
	for _, n := range m {
		if err := fn(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
