package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

type sinkEvent struct {
	order     *domain.OrderResult
	inventory *domain.InventoryState
}

// AsyncSink implementa ports.Emitter delante de un EventSink. Los bots nunca esperan
// al disco: con la cola llena el evento se descarta y se cuenta.
type AsyncSink struct {
	sink   ports.EventSink
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan sinkEvent
	done   chan struct{}
}

// NewAsyncSink arranca el writer. logger nil usa slog.Default.
func NewAsyncSink(sink ports.EventSink, queueSize int, logger *slog.Logger) *AsyncSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncSink{
		sink:   sink,
		logger: logger,
		queue:  make(chan sinkEvent, queueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// EmitOrderResult encola un resultado de orden.
func (a *AsyncSink) EmitOrderResult(r domain.OrderResult) {
	a.enqueue(sinkEvent{order: &r})
}

// EmitInventory encola un cambio de inventario.
func (a *AsyncSink) EmitInventory(s domain.InventoryState) {
	a.enqueue(sinkEvent{inventory: &s})
}

func (a *AsyncSink) enqueue(ev sinkEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.SinkDropped.Inc()
		return
	}
	select {
	case a.queue <- ev:
	default:
		metrics.SinkDropped.Inc()
		a.logger.Warn("storage: queue full, dropping event")
	}
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for ev := range a.queue {
		a.write(ev)
	}
}

func (a *AsyncSink) write(ev sinkEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	switch {
	case ev.order != nil:
		if err := a.sink.RecordOrderResult(ctx, *ev.order); err != nil {
			a.logger.Error("storage: record order failed", "client_order_id", ev.order.ClientOrderID, "err", err)
		}
	case ev.inventory != nil:
		if err := a.sink.RecordInventory(ctx, *ev.inventory); err != nil {
			a.logger.Error("storage: record inventory failed",
				"user", ev.inventory.UserID, "instrument", ev.inventory.InstrumentID, "err", err)
		}
	}
}

// Close deja de aceptar eventos y espera a que se vacíe la cola o a que venza ctx.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.logger.Warn("storage: close timed out with pending events", "pending", len(a.queue))
		return ctx.Err()
	}
}
