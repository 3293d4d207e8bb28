package hub

// upstream.go: ciclo de vida de la conexión al feed de mercado.
//
// Una sola conexión por proceso. Al caerse se reconecta con backoff exponencial;
// los suscriptores no se enteran salvo por el hueco de eventos (no hay replay).

import (
	"context"
	"errors"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

func (h *Hub) runUpstream(ctx context.Context) error {
	delay := h.cfg.ReconnectBase
	for {
		if !h.waitForAssets(ctx) {
			return nil
		}

		conn, err := h.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.FeedErrors.WithLabelValues("dial").Inc()
			h.logger.Warn("hub: dial failed", "err", err, "retry_in", delay)
		} else {
			healthy, err := h.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			if healthy {
				delay = h.cfg.ReconnectBase
			}
			h.logger.Warn("hub: upstream lost", "err", err, "retry_in", delay)
		}

		if !sleepCtx(ctx, delay) {
			return nil
		}
		metrics.HubReconnects.Inc()
		delay = h.nextDelay(delay)
	}
}

// serve suscribe todos los assets vivos y lee hasta que la conexión falla.
// healthy indica que llegó al menos un frame válido, lo que resetea el backoff.
func (h *Hub) serve(ctx context.Context, conn ports.FeedConn) (healthy bool, err error) {
	h.mu.Lock()
	h.conn = conn
	assets := make([]string, 0, len(h.assetSubs))
	for id := range h.assetSubs {
		assets = append(assets, id)
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
		}
		h.mu.Unlock()
		_ = conn.Close()
	}()

	if err := conn.Subscribe(ctx, assets); err != nil {
		return false, err
	}
	h.logger.Info("hub: upstream connected", "assets", len(assets))

	for {
		evs, err := conn.Next(ctx)
		if err != nil && !errors.Is(err, domain.ErrData) {
			return healthy, err
		}
		if err != nil {
			metrics.FeedErrors.WithLabelValues("frame").Inc()
			h.logger.Debug("hub: malformed frame", "err", err)
		} else {
			healthy = true
		}
		for _, ev := range evs {
			h.dispatch(ev)
		}
	}
}

// dispatch publica ev y, para ticks de precio, alimenta el detector de flash moves.
func (h *Hub) dispatch(ev domain.Event) {
	h.publish(ev)
	if h.flash == nil {
		return
	}
	switch e := ev.(type) {
	case domain.PriceTick:
		if fm, ok := h.flash.Observe(e); ok {
			h.logger.Info("hub: flash move",
				"instrument", e.InstrumentID,
				"old", fm.OldPrice,
				"new", fm.NewPrice,
				"velocity", fm.Velocity,
				"confidence", fm.Confidence,
			)
			h.publish(fm)
		}
	case domain.MarketResolved:
		for _, id := range e.InstrumentIDs {
			h.flash.Forget(id)
		}
	}
}

// waitForAssets bloquea hasta que haya algún asset suscrito. Sin assets no tiene
// sentido mantener un websocket abierto.
func (h *Hub) waitForAssets(ctx context.Context) bool {
	for {
		h.mu.Lock()
		n := len(h.assetSubs)
		h.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-h.wake:
		}
	}
}

func (h *Hub) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * h.cfg.ReconnectMultiplier)
	if next > h.cfg.ReconnectMax {
		return h.cfg.ReconnectMax
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
