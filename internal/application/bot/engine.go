// Package bot orquesta el ciclo de vida de un usuario: suscripción al hub,
// copy-trading, flash trading, market making e inventario.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/application/dedup"
	"github.com/alejandrodnm/polycopy/internal/application/hub"
	"github.com/alejandrodnm/polycopy/internal/application/marketmaking"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	defaultDedupWindow = 10 * time.Minute
	defaultSyncEvery   = 15 * time.Second
	shutdownTimeout    = 10 * time.Second
	restoreTimeout     = 10 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// Source es la vista del hub que usa un bot.
type Source interface {
	Subscribe(ctx context.Context, name string, instrumentIDs, wallets []string) *hub.Subscription
	Track(m domain.Market)
	Instrument(id string) (domain.TrackedInstrument, bool)
}

// Executor resuelve una intent en exactamente un OrderResult.
type Executor interface {
	Execute(ctx context.Context, in domain.OrderIntent) domain.OrderResult
}

// Config de un bot engine.
type Config struct {
	UserID        string
	Address       string   // wallet con los fondos; se usa para leer balance
	Targets       []string // wallets a copiar
	Markets       []string // condition ids para flash y market making
	Multiplier    float64
	MaxTradeUSD   float64
	MinShares     float64
	USDFloor      float64
	FlashTrading  bool
	FlashTradeUSD float64
	MarketMaking  bool
	DedupWindow   time.Duration
	SyncEvery     time.Duration // consulta de fills de quotes resting
	CallTimeout   time.Duration // lecturas al exchange fuera del execution engine

	MaxFailures int
	Cooldown    time.Duration
	MaxDrawdown float64 // USDC positivo; 0 desactiva
}

// Deps son los colaboradores de un bot engine.
type Deps struct {
	Hub          Source
	Exchange     ports.Exchange
	Executor     Executor
	Emitter      ports.Emitter
	Snapshots    ports.SnapshotStore // nil arranca con inventario vacío
	Notifier     ports.Notifier      // nil desactiva avisos
	MarketMaking marketmaking.Config
	Logger       *slog.Logger
}

// Engine es el bot de un usuario. Todo su estado lo muta la goroutine de Run,
// salvo las estadísticas, que se leen desde el reporter.
type Engine struct {
	cfg      Config
	hub      Source
	ex       ports.Exchange
	exec     Executor
	emitter  ports.Emitter
	snaps    ports.SnapshotStore
	notifier ports.Notifier
	logger   *slog.Logger

	inv      *domain.Inventory
	seen     *dedup.Deduplicator
	mm       *marketmaking.Engine
	breaker  domain.CircuitBreaker
	outcomes map[string]domain.Outcome
	negRisk  map[string]bool

	mu    sync.Mutex
	stats domain.BotStats
}

// New crea el bot de un usuario. Un Config inválido es un error fatal.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("bot.New: missing user id")
	}
	if cfg.Multiplier <= 0 {
		return nil, fmt.Errorf("bot.New: user %s: multiplier must be > 0", cfg.UserID)
	}
	if deps.Hub == nil || deps.Exchange == nil || deps.Executor == nil || deps.Emitter == nil {
		return nil, fmt.Errorf("bot.New: user %s: missing dependency", cfg.UserID)
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = defaultSyncEvery
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", cfg.UserID)

	e := &Engine{
		cfg:      cfg,
		hub:      deps.Hub,
		ex:       deps.Exchange,
		exec:     deps.Executor,
		emitter:  deps.Emitter,
		snaps:    deps.Snapshots,
		notifier: deps.Notifier,
		logger:   logger,
		inv:      domain.NewInventory(cfg.UserID),
		seen:     dedup.New(cfg.DedupWindow),
		outcomes: make(map[string]domain.Outcome),
		negRisk:  make(map[string]bool),
		breaker: domain.CircuitBreaker{
			MaxFailures:      cfg.MaxFailures,
			CooldownDuration: cfg.Cooldown,
			MaxDrawdown:      -cfg.MaxDrawdown,
		},
		stats: domain.BotStats{UserID: cfg.UserID},
	}
	if cfg.MarketMaking {
		mmCfg := deps.MarketMaking
		if mmCfg.CallTimeout <= 0 {
			mmCfg.CallTimeout = cfg.CallTimeout
		}
		e.mm = marketmaking.New(cfg.UserID, deps.Executor, deps.Exchange, mmCfg, logger)
	}
	return e, nil
}

// UserID devuelve el id del usuario.
func (e *Engine) UserID() string { return e.cfg.UserID }

// Stats devuelve una copia de las estadísticas.
func (e *Engine) Stats() domain.BotStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run arranca el bot y bloquea hasta que ctx se cancela, el hub cierra la
// suscripción o el circuit breaker detiene al usuario. Parar el bot lo da de
// baja del hub; una orden ya enviada siempre se resuelve antes de salir.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return err
	}
	instruments := e.discover(ctx)

	sub := e.hub.Subscribe(ctx, e.cfg.UserID, instruments, e.cfg.Targets)
	defer sub.Close()

	e.mu.Lock()
	e.stats.StartedAt = time.Now().UTC()
	e.mu.Unlock()
	e.logger.Info("bot: started",
		"targets", len(e.cfg.Targets),
		"instruments", len(instruments),
		"market_making", e.cfg.MarketMaking,
		"flash_trading", e.cfg.FlashTrading,
	)

	if e.mm != nil {
		e.seedBooks(ctx, instruments)
		defer e.pullQuotes(ctx)
	}

	ticker := time.NewTicker(e.cfg.SyncEvery)
	defer ticker.Stop()

	for {
		if e.halted() {
			return nil
		}
		select {
		case <-ctx.Done():
			e.logger.Info("bot: stopping")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				e.logger.Info("bot: hub closed subscription")
				return nil
			}
			e.handle(ctx, ev)
		case <-ticker.C:
			e.syncQuotes(ctx)
		}
	}
}

// restore carga el último inventario persistido.
func (e *Engine) restore(ctx context.Context) error {
	if e.snaps == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	states, err := e.snaps.LoadInventory(rctx, e.cfg.UserID)
	if err != nil {
		return fmt.Errorf("bot.Run: user %s: restore inventory: %w", e.cfg.UserID, err)
	}
	e.inv.Restore(states)
	for _, s := range states {
		if s.Outcome != "" {
			e.outcomes[s.InstrumentID] = s.Outcome
		}
	}
	e.refreshOpenPositions()
	if len(states) > 0 {
		e.logger.Info("bot: inventory restored", "positions", len(states))
	}
	return nil
}

// discover registra los mercados configurados en el hub y devuelve sus instrumentos.
func (e *Engine) discover(ctx context.Context) []string {
	var ids []string
	for _, cid := range e.cfg.Markets {
		m, err := e.market(ctx, cid)
		if err != nil {
			e.logger.Warn("bot: market lookup failed", "market", cid, "err", err)
			continue
		}
		if !m.Tradeable() {
			e.logger.Warn("bot: market not tradeable, skipping", "market", cid)
			continue
		}
		e.hub.Track(m)
		for _, ti := range domain.NewTrackedInstruments(m, time.Now().UTC()) {
			ids = append(ids, ti.InstrumentID)
			e.outcomes[ti.InstrumentID] = ti.Outcome
			e.negRisk[ti.InstrumentID] = ti.NegRisk
			if e.mm != nil {
				e.mm.Track(*ti)
			}
		}
	}
	return ids
}

// handle despacha un evento del hub. Los fallos locales se registran y se absorben.
func (e *Engine) handle(ctx context.Context, ev domain.Event) {
	switch ev := ev.(type) {
	case domain.WalletTrade:
		e.onWalletTrade(ctx, ev)
	case domain.FlashMoveEvent:
		e.onFlash(ctx, ev)
	case domain.BookSnapshot:
		if e.mm != nil {
			e.gateQuotes(ctx)
			e.applyQuoteReport(ctx, e.mm.Update(ctx, ev.Book, e.inv))
		}
	case domain.MarketResolved:
		e.onResolved(ctx, ev)
	case domain.PriceTick, domain.TickSizeChange:
		// el hub ya actualizó el estado del instrumento
	}
}

func (e *Engine) onResolved(ctx context.Context, ev domain.MarketResolved) {
	e.logger.Info("bot: market resolved", "market", ev.MarketID, "winner", ev.WinningInstrumentID)
	if e.mm == nil {
		return
	}
	ids := ev.InstrumentIDs
	if len(ids) == 0 {
		for _, id := range e.mm.Tracked() {
			if ti, ok := e.hub.Instrument(id); ok && ti.MarketID == ev.MarketID {
				ids = append(ids, id)
			}
		}
	}
	for _, fill := range e.mm.Retire(ctx, ids...) {
		e.settle(ctx, fill, false)
	}
}

// record procesa el resultado de una intent enviada: stats, breaker y settle.
func (e *Engine) record(ctx context.Context, res domain.OrderResult, refresh bool) {
	e.mu.Lock()
	e.stats.OrdersSubmitted++
	switch {
	case res.Filled():
		e.stats.OrdersFilled++
	case isFailure(res.ErrorCode):
		e.stats.OrdersFailed++
	}
	e.mu.Unlock()

	switch {
	case res.Success:
		e.breaker.RecordSuccess()
	case isFailure(res.ErrorCode):
		e.breaker.RecordFailure()
		if !e.breaker.IsOpen() {
			e.logger.Warn("bot: circuit breaker tripped",
				"reason", e.breaker.TriggeredReason,
				"until", e.breaker.CooldownUntil.Format(time.TimeOnly),
			)
			e.gateQuotes(ctx)
		}
	}
	e.settle(ctx, res, refresh)
}

// settle persiste el resultado y aplica el fill al inventario. El inventario solo
// cambia con un fill confirmado. Con refresh=true el fill re-evalúa los quotes
// del mercado con el inventario nuevo.
func (e *Engine) settle(ctx context.Context, res domain.OrderResult, refresh bool) {
	e.emitter.EmitOrderResult(res)

	state, realized, changed := e.inv.Apply(res, e.outcomeOf(res.InstrumentID))
	if !changed {
		return
	}
	e.emitter.EmitInventory(state)
	e.breaker.RecordPnL(realized)
	e.mu.Lock()
	e.stats.VolumeUSD += res.FilledUSD()
	e.stats.RealizedPnL += realized
	e.mu.Unlock()
	e.refreshOpenPositions()

	e.logger.Info("bot: fill",
		"instrument", res.InstrumentID,
		"side", res.Side,
		"shares", res.FilledShares,
		"price", res.FilledPrice,
		"position", state.Shares,
		"realized", realized,
	)
	if e.notifier != nil {
		if err := e.notifier.NotifyFill(ctx, res); err != nil {
			e.logger.Debug("bot: notify fill failed", "err", err)
		}
	}

	if e.breaker.Triggered {
		e.halt(ctx, e.breaker.TriggeredReason)
		return
	}
	if refresh && e.mm != nil {
		e.gateQuotes(ctx)
		for _, rep := range e.mm.Refresh(ctx, res.MarketID, e.inv) {
			e.applyQuoteReport(ctx, rep)
		}
	}
}

func (e *Engine) applyQuoteReport(ctx context.Context, rep marketmaking.Report) {
	if rep.Requoted {
		e.mu.Lock()
		e.stats.QuotesPlaced++
		e.mu.Unlock()
	}
	for _, r := range rep.Fills {
		e.settle(ctx, r, false)
	}
	for _, r := range rep.Placements {
		e.record(ctx, r, false)
	}
}

func (e *Engine) seedBooks(ctx context.Context, instruments []string) {
	if len(instruments) == 0 {
		return
	}
	cctx, cancel := e.callCtx(ctx)
	books, err := e.ex.GetOrderBooks(cctx, instruments)
	cancel()
	if err != nil {
		e.logger.Warn("bot: initial books unavailable, waiting for feed", "err", err)
		return
	}
	e.gateQuotes(ctx)
	for _, id := range instruments {
		if b, ok := books[id]; ok {
			e.applyQuoteReport(ctx, e.mm.Update(ctx, b, e.inv))
		}
	}
}

func (e *Engine) syncQuotes(ctx context.Context) {
	if e.mm == nil {
		return
	}
	e.gateQuotes(ctx)
	for _, fill := range e.mm.Sync(ctx) {
		e.settle(ctx, fill, true)
	}
}

// gateQuotes alinea el market maker con el breaker: en cooldown no queda ningún
// quote vivo ni se colocan nuevos; al vencer se re-cotiza con los books guardados.
func (e *Engine) gateQuotes(ctx context.Context) {
	if e.mm == nil {
		return
	}
	open := e.breaker.IsOpen()
	switch {
	case !open && !e.mm.Paused():
		e.logger.Warn("bot: circuit breaker active, pulling quotes", "reason", e.breaker.TriggeredReason)
		for _, fill := range e.mm.Pause(ctx) {
			e.settle(ctx, fill, false)
		}
	case open && e.mm.Paused():
		e.mm.Resume()
		e.logger.Info("bot: circuit breaker cleared, quoting again")
		for _, m := range e.cfg.Markets {
			for _, rep := range e.mm.Refresh(ctx, m, e.inv) {
				e.applyQuoteReport(ctx, rep)
			}
		}
	}
}

// pullQuotes cancela los quotes vivos al salir. Corre aunque ctx ya esté cancelado.
func (e *Engine) pullQuotes(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	for _, fill := range e.mm.CancelAll(cctx) {
		e.settle(cctx, fill, false)
	}
}

func (e *Engine) halt(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.stats.Halted {
		e.mu.Unlock()
		return
	}
	e.stats.Halted = true
	e.stats.HaltReason = reason
	e.mu.Unlock()

	e.logger.Error("bot: halted", "reason", reason, "realized", e.breaker.RealizedPnL)
	if e.notifier != nil {
		if err := e.notifier.NotifyHalt(ctx, e.cfg.UserID, reason); err != nil {
			e.logger.Debug("bot: notify halt failed", "err", err)
		}
	}
}

func (e *Engine) halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Halted
}

func (e *Engine) refreshOpenPositions() {
	n := 0
	for _, s := range e.inv.Snapshot() {
		if s.Shares > 0 {
			n++
		}
	}
	e.mu.Lock()
	e.stats.OpenPositions = n
	e.mu.Unlock()
}

func (e *Engine) outcomeOf(instrumentID string) domain.Outcome {
	if o, ok := e.outcomes[instrumentID]; ok {
		return o
	}
	if ti, ok := e.hub.Instrument(instrumentID); ok {
		return ti.Outcome
	}
	return ""
}

// callCtx acota una lectura al exchange para que un RPC colgado no bloquee el loop.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

func (e *Engine) balance(ctx context.Context, address string) (float64, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.ex.GetBalance(cctx, address)
}

func (e *Engine) market(ctx context.Context, marketID string) (domain.Market, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	return e.ex.GetMarket(cctx, marketID)
}

// canTrade indica si el breaker permite enviar órdenes nuevas.
func (e *Engine) canTrade(what string) bool {
	if e.breaker.IsOpen() {
		return true
	}
	e.logger.Info("bot: circuit breaker active, skipping", "what", what, "reason", e.breaker.TriggeredReason)
	return false
}

// isFailure separa fallos del sistema (cuentan para el breaker) de rechazos esperables.
func isFailure(code domain.OrderErrorCode) bool {
	switch code {
	case domain.OrderErrAuth, domain.OrderErrRateLimited, domain.OrderErrRejected,
		domain.OrderErrUnknown, domain.OrderErrNetwork, domain.OrderErrNotSubmitted:
		return true
	}
	return false
}

func (e *Engine) recordDedupSize() {
	metrics.DedupEntries.WithLabelValues(e.cfg.UserID).Set(float64(e.seen.Len()))
}
