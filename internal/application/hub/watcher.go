package hub

// watcher.go: polling de los trades de las wallets objetivo.
//
// La Data API no tiene stream, así que los trades de cada wallet se consultan cada
// WalletPoll y se publican en el hub como cualquier otro evento.

import (
	"context"
	"time"

	"github.com/alejandrodnm/polycopy/internal/application/dedup"
	"github.com/alejandrodnm/polycopy/internal/metrics"
)

func (h *Hub) runWatcher(ctx context.Context) error {
	if h.trades == nil {
		return nil
	}
	// Los trades más viejos que MaxSignalAge se descartan antes de llegar aquí, así
	// que basta con recordar el doble de esa ventana.
	seen := dedup.New(2 * h.cfg.MaxSignalAge)

	t := time.NewTicker(h.cfg.WalletPoll)
	defer t.Stop()
	for {
		h.pollWallets(ctx, seen)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (h *Hub) pollWallets(ctx context.Context, seen *dedup.Deduplicator) {
	h.mu.Lock()
	wallets := make([]string, 0, len(h.walletSubs))
	for w := range h.walletSubs {
		wallets = append(wallets, w)
	}
	h.mu.Unlock()

	now := time.Now()
	for _, w := range wallets {
		if ctx.Err() != nil {
			return
		}
		trades, err := h.trades.FetchWalletTrades(ctx, w, h.cfg.WalletPageSize)
		if err != nil {
			metrics.FeedErrors.WithLabelValues("wallet").Inc()
			h.logger.Warn("hub: wallet poll failed", "wallet", w, "err", err)
			continue
		}
		published := 0
		// La API devuelve más nuevos primero; se publican en orden cronológico.
		for i := len(trades) - 1; i >= 0; i-- {
			tr := trades[i]
			if tr.Timestamp.IsZero() || now.Sub(tr.Timestamp) > h.cfg.MaxSignalAge {
				continue
			}
			if seen.Check(tr.Hash()) {
				continue
			}
			h.publish(tr)
			published++
		}
		if published > 0 {
			h.logger.Debug("hub: wallet trades", "wallet", w, "new", published)
		}
	}
}
