package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// EventSink persiste los eventos que emite el core. Es append-only.
type EventSink interface {
	RecordOrderResult(ctx context.Context, r domain.OrderResult) error
	RecordInventory(ctx context.Context, s domain.InventoryState) error
}

// SnapshotStore devuelve el último InventoryState conocido para reanudar sin replay.
type SnapshotStore interface {
	LoadInventory(ctx context.Context, userID string) ([]domain.InventoryState, error)
}

// Store es un backend completo de persistencia.
type Store interface {
	EventSink
	SnapshotStore
	Close() error
}

// Emitter es la vista fire-and-forget que usan los bot engines. Nunca bloquea.
type Emitter interface {
	EmitOrderResult(r domain.OrderResult)
	EmitInventory(s domain.InventoryState)
}
