package bot

import (
	"context"
	"math"

	"github.com/alejandrodnm/polycopy/internal/application/execution"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
)

const (
	reasonCopy  = "copy"
	reasonExit  = "exit"
	reasonFlash = "flash"
)

// onWalletTrade copia un trade de una wallet objetivo. Cada trade se procesa una sola vez.
func (e *Engine) onWalletTrade(ctx context.Context, wt domain.WalletTrade) {
	dup := e.seen.Check(wt.Hash())
	e.recordDedupSize()
	e.mu.Lock()
	if dup {
		e.stats.SignalsDeduped++
	} else {
		e.stats.SignalsSeen++
	}
	e.mu.Unlock()
	if dup {
		e.logger.Debug("bot: duplicate signal", "wallet", wt.Wallet, "tx", wt.TxHash)
		return
	}

	e.logger.Info("bot: copy signal",
		"wallet", wt.Wallet,
		"instrument", wt.InstrumentID,
		"side", wt.Side,
		"shares", wt.Size,
		"price", wt.Price,
		"usd", wt.USD(),
	)
	if wt.Outcome != "" {
		if _, ok := e.outcomes[wt.InstrumentID]; !ok {
			e.outcomes[wt.InstrumentID] = wt.Outcome
		}
	}
	if !e.canTrade(reasonCopy) {
		return
	}

	switch wt.Side {
	case domain.SideBuy:
		e.copyBuy(ctx, wt)
	case domain.SideSell:
		e.copyExit(ctx, wt)
	}
}

// copyBuy dimensiona el trade proporcionalmente al capital del follower y lo ejecuta.
func (e *Engine) copyBuy(ctx context.Context, wt domain.WalletTrade) {
	ti, ok := e.instrument(ctx, wt.MarketID, wt.InstrumentID)
	if !ok {
		return
	}
	yours, err := e.balance(ctx, e.cfg.Address)
	if err != nil {
		e.logger.Warn("bot: balance read failed, skipping signal", "err", err)
		return
	}
	trader, err := e.balance(ctx, wt.Wallet)
	if err != nil {
		e.logger.Warn("bot: trader balance read failed, skipping signal", "wallet", wt.Wallet, "err", err)
		return
	}

	price := wt.Price
	if ti.BestAsk > 0 {
		price = ti.BestAsk
	}
	d := domain.Size(domain.SizingInput{
		YourBalance:    yours,
		TraderBalance:  trader,
		TraderTradeUSD: wt.USD(),
		Multiplier:     e.cfg.Multiplier,
		Price:          price,
		MaxTradeAmount: e.cfg.MaxTradeUSD,
		MinShares:      e.minShares(ti),
		USDFloor:       e.cfg.USDFloor,
	})
	if !e.accept(d, reasonCopy, wt.InstrumentID) {
		return
	}

	res := e.exec.Execute(ctx, domain.OrderIntent{
		UserID:       e.cfg.UserID,
		InstrumentID: wt.InstrumentID,
		MarketID:     ti.MarketID,
		Side:         domain.SideBuy,
		Shares:       d.Shares(),
		NegRisk:      ti.NegRisk,
		Reason:       reasonCopy,
	})
	e.record(ctx, res, true)
}

// copyExit vende la misma fracción de la posición que vendió el trader.
// Si no se conoce la posición previa del trader se sale entero. Nunca se vende
// más de lo que se tiene.
func (e *Engine) copyExit(ctx context.Context, wt domain.WalletTrade) {
	held := e.inv.Shares(wt.InstrumentID)
	if held <= 0 {
		e.logger.Debug("bot: exit signal without position", "instrument", wt.InstrumentID)
		return
	}

	fraction := 1.0
	cctx, cancel := e.callCtx(ctx)
	after, err := e.ex.TokenBalance(cctx, wt.Wallet, wt.InstrumentID)
	cancel()
	if err != nil {
		e.logger.Debug("bot: trader position unknown, exiting fully", "wallet", wt.Wallet, "err", err)
	} else if before := after + wt.Size; before > 0 {
		fraction = math.Min(1, wt.Size/before)
	}

	minShares := e.cfg.MinShares
	ti, known := e.hub.Instrument(wt.InstrumentID)
	if known {
		minShares = e.minShares(ti)
	}
	shares := execution.RoundShares(math.Min(held, held*fraction))
	if shares < minShares {
		if held < minShares {
			e.logger.Info("bot: position below exchange minimum, not exiting",
				"instrument", wt.InstrumentID, "held", held, "min", minShares)
			return
		}
		shares = minShares
	}

	marketID := wt.MarketID
	if marketID == "" {
		marketID = e.inv.Get(wt.InstrumentID).MarketID
	}
	res := e.exec.Execute(ctx, domain.OrderIntent{
		UserID:       e.cfg.UserID,
		InstrumentID: wt.InstrumentID,
		MarketID:     marketID,
		Side:         domain.SideSell,
		Shares:       shares,
		NegRisk:      (known && ti.NegRisk) || e.negRisk[wt.InstrumentID],
		Reason:       reasonExit,
	})
	e.record(ctx, res, true)
}

// onFlash avisa del flash move y, si el usuario lo activó, compra momentum.
func (e *Engine) onFlash(ctx context.Context, ev domain.FlashMoveEvent) {
	e.mu.Lock()
	e.stats.FlashEvents++
	e.mu.Unlock()

	e.logger.Info("bot: flash move",
		"instrument", ev.InstrumentID,
		"old", ev.OldPrice,
		"new", ev.NewPrice,
		"velocity", ev.Velocity,
		"confidence", ev.Confidence,
	)
	if e.notifier != nil {
		if err := e.notifier.NotifyFlash(ctx, ev); err != nil {
			e.logger.Debug("bot: notify flash failed", "err", err)
		}
	}
	if !e.cfg.FlashTrading || ev.Direction() != domain.SideBuy {
		return
	}
	if !e.canTrade(reasonFlash) {
		return
	}
	ti, ok := e.instrument(ctx, ev.MarketID, ev.InstrumentID)
	if !ok {
		return
	}
	yours, err := e.balance(ctx, e.cfg.Address)
	if err != nil {
		e.logger.Warn("bot: balance read failed, skipping flash", "err", err)
		return
	}

	// Ratio 1: el objetivo bruto es exactamente flash_trade_usd.
	d := domain.Size(domain.SizingInput{
		YourBalance:    yours,
		TraderBalance:  math.Max(0, yours-e.cfg.FlashTradeUSD),
		TraderTradeUSD: e.cfg.FlashTradeUSD,
		Multiplier:     1,
		Price:          ev.NewPrice,
		MaxTradeAmount: e.cfg.MaxTradeUSD,
		MinShares:      e.minShares(ti),
		USDFloor:       e.cfg.USDFloor,
	})
	if !e.accept(d, reasonFlash, ev.InstrumentID) {
		return
	}
	res := e.exec.Execute(ctx, domain.OrderIntent{
		UserID:       e.cfg.UserID,
		InstrumentID: ev.InstrumentID,
		MarketID:     ti.MarketID,
		Side:         domain.SideBuy,
		Shares:       d.Shares(),
		NegRisk:      ti.NegRisk,
		Reason:       reasonFlash,
	})
	e.record(ctx, res, true)
}

// accept registra la decisión de sizing y devuelve false si es un rechazo.
func (e *Engine) accept(d domain.SizingDecision, what, instrumentID string) bool {
	metrics.SizingDecisions.WithLabelValues(string(d.Reason)).Inc()
	if !d.Rejected() {
		return true
	}
	e.mu.Lock()
	e.stats.SizingRejected++
	e.mu.Unlock()
	e.logger.Info("bot: sizing rejected",
		"what", what,
		"instrument", instrumentID,
		"reason", d.Reason,
		"raw_usd", d.RawTarget,
		"min_usd", d.EffectiveMin,
	)
	return false
}

// instrument devuelve el estado vivo del instrumento, descubriendo su mercado si hace falta.
func (e *Engine) instrument(ctx context.Context, marketID, instrumentID string) (domain.TrackedInstrument, bool) {
	if ti, ok := e.hub.Instrument(instrumentID); ok {
		if !ti.Tradeable {
			e.logger.Info("bot: instrument retired, skipping", "instrument", instrumentID)
			return ti, false
		}
		return ti, true
	}
	if marketID == "" {
		e.logger.Warn("bot: unknown instrument without market id", "instrument", instrumentID)
		return domain.TrackedInstrument{}, false
	}
	m, err := e.market(ctx, marketID)
	if err != nil {
		e.logger.Warn("bot: market lookup failed", "market", marketID, "err", err)
		return domain.TrackedInstrument{}, false
	}
	e.hub.Track(m)
	ti, ok := e.hub.Instrument(instrumentID)
	if !ok {
		e.logger.Warn("bot: instrument not in market", "market", marketID, "instrument", instrumentID)
		return domain.TrackedInstrument{}, false
	}
	e.outcomes[instrumentID] = ti.Outcome
	e.negRisk[instrumentID] = ti.NegRisk
	if !ti.Tradeable {
		e.logger.Info("bot: market closed, skipping", "market", marketID)
		return ti, false
	}
	return ti, true
}

func (e *Engine) minShares(ti domain.TrackedInstrument) float64 {
	return math.Max(e.cfg.MinShares, ti.MinOrderSize)
}
