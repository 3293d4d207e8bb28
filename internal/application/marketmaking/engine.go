// Package marketmaking mantiene un par bid/ask GTC por instrumento para un usuario.
//
// Ciclo por instrumento: book → salud de liquidez (gap absoluto en centavos) →
// skew por inventario → re-quote. Solo se re-cotiza en transiciones de salud,
// cuando el skew cruza el umbral o cuando el quote vivo quedó viejo y el touch se movió.
package marketmaking

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
)

const (
	defaultQuoteShares = 10
	defaultRefresh     = 15 * time.Second
	defaultMinShares   = 5
	defaultCallTimeout = 10 * time.Second
	reasonQuote        = "quote"
)

// Executor es la vista del execution engine que usa el market maker.
type Executor interface {
	Execute(ctx context.Context, in domain.OrderIntent) domain.OrderResult
}

// OrderManager cancela y consulta órdenes resting.
type OrderManager interface {
	CancelOrder(ctx context.Context, orderID string) error
	LookupOrder(ctx context.Context, clientOrderID string) (domain.OrderResult, error)
	Forget(clientOrderID string)
}

// Position es la vista de solo lectura del inventario del usuario.
type Position interface {
	Shares(instrumentID string) float64
	NetExposure(marketID string) float64
}

// Config del market maker.
type Config struct {
	Thresholds    domain.LiquidityThresholds
	Skew          domain.SkewParams
	SkewThreshold float64 // cambio de skew (en precio) que fuerza re-quote
	QuoteShares   float64
	Refresh       time.Duration // edad a partir de la cual un quote desalineado se reemplaza
	CallTimeout   time.Duration // por cancel o lookup
}

// Report describe lo que hizo Update para un instrumento.
type Report struct {
	InstrumentID string
	Health       domain.LiquidityHealth
	Quote        domain.Quote
	Requoted     bool
	Cancelled    int
	Placements   []domain.OrderResult
	Fills        []domain.OrderResult // fills de las órdenes canceladas, solo el delta
}

type restingOrder struct {
	clientID   string
	exchangeID string
	side       domain.Side
	price      float64
	shares     float64
	filled     float64 // shares ya reportadas al bot
}

type instrumentState struct {
	inst     domain.TrackedInstrument
	book     domain.OrderBook
	hasBook  bool
	health   domain.LiquidityHealth
	skew     float64
	quote    domain.Quote
	bid, ask *restingOrder
	quotedAt time.Time
	retired  bool
}

// Engine es propiedad de un único bot engine; no es seguro para uso concurrente.
type Engine struct {
	userID string
	exec   Executor
	orders OrderManager
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	states map[string]*instrumentState
	paused bool
}

// New crea un market maker para userID. logger nil usa slog.Default.
func New(userID string, exec Executor, orders OrderManager, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Thresholds == (domain.LiquidityThresholds{}) {
		cfg.Thresholds = domain.DefaultLiquidityThresholds()
	}
	if cfg.QuoteShares <= 0 {
		cfg.QuoteShares = defaultQuoteShares
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultRefresh
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		userID: userID,
		exec:   exec,
		orders: orders,
		cfg:    cfg,
		logger: logger.With("user", userID),
		now:    time.Now,
		states: make(map[string]*instrumentState),
	}
}

// Track registra un instrumento para cotizar. Un instrumento retirado no se reactiva.
func (e *Engine) Track(inst domain.TrackedInstrument) {
	if st, ok := e.states[inst.InstrumentID]; ok {
		if st.retired {
			return
		}
		st.inst = inst
		return
	}
	e.states[inst.InstrumentID] = &instrumentState{inst: inst, retired: !inst.Tradeable}
}

// Tracked devuelve los ids de instrumentos activos, ordenados.
func (e *Engine) Tracked() []string {
	ids := make([]string, 0, len(e.states))
	for id, st := range e.states {
		if !st.retired {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Quote devuelve el último quote colocado para instrumentID.
func (e *Engine) Quote(instrumentID string) (domain.Quote, bool) {
	st, ok := e.states[instrumentID]
	if !ok || st.quotedAt.IsZero() {
		return domain.Quote{}, false
	}
	return st.quote, true
}

// Update procesa un book nuevo y re-cotiza si hace falta.
func (e *Engine) Update(ctx context.Context, book domain.OrderBook, pos Position) Report {
	st, ok := e.states[book.TokenID]
	if !ok || st.retired {
		return Report{InstrumentID: book.TokenID}
	}
	st.book = book
	st.hasBook = true
	return e.evaluate(ctx, st, pos)
}

// Refresh re-evalúa los instrumentos de marketID con el último book conocido.
// Lo llama el bot después de un fill para que el skew nuevo se refleje.
func (e *Engine) Refresh(ctx context.Context, marketID string, pos Position) []Report {
	var out []Report
	for _, id := range e.Tracked() {
		st := e.states[id]
		if st.inst.MarketID != marketID || !st.hasBook {
			continue
		}
		out = append(out, e.evaluate(ctx, st, pos))
	}
	return out
}

func (e *Engine) evaluate(ctx context.Context, st *instrumentState, pos Position) Report {
	id := st.inst.InstrumentID
	if e.paused {
		return Report{InstrumentID: id, Health: st.health}
	}
	health := domain.ClassifyLiquidity(st.book, domain.SideBuy, e.cfg.Thresholds)
	net := pos.NetExposure(st.inst.MarketID)
	skew := e.cfg.Skew.Skew(e.cfg.Skew.Excess(net, st.inst.Outcome))

	rep := Report{InstrumentID: id, Health: health, Quote: st.quote}
	reason := e.requoteReason(st, health, skew, net)
	if reason == "" {
		return rep
	}

	var stuck bool
	rep.Cancelled, rep.Fills, stuck = e.cancelResting(ctx, st)
	if stuck {
		// El quote viejo sigue en el libro: otro encima duplicaría la exposición.
		e.logger.Warn("marketmaking: previous quote still live, requote deferred", "instrument", id, "reason", reason)
		return rep
	}
	prevHealth := st.health
	st.health = health
	st.skew = skew
	st.quote = domain.Quote{}
	st.quotedAt = time.Time{}

	if !health.Quotable() {
		metrics.Quotes.WithLabelValues(strings.ToLower(string(health))).Inc()
		if prevHealth != health {
			e.logger.Info("marketmaking: pulling quotes", "instrument", id, "health", health)
		}
		rep.Quote = domain.Quote{}
		return rep
	}

	q := domain.ComputeQuote(st.book, st.inst.Outcome, net, e.cfg.Skew)
	q.Health = health
	q.Size = e.cfg.QuoteShares
	if !q.Valid() {
		e.logger.Debug("marketmaking: no valid quote", "instrument", id, "bid", q.Bid, "ask", q.Ask)
		return rep
	}

	bid := e.place(ctx, st, domain.SideBuy, q.Bid, e.cfg.QuoteShares)
	st.bid = bid.rest
	rep.Placements = append(rep.Placements, bid.result)

	// Solo se vende lo que se tiene: el ask nunca abre inventario negativo.
	if held := pos.Shares(id); held > 0 {
		shares := math.Min(e.cfg.QuoteShares, math.Floor(held*100)/100)
		if shares >= minShares(st.book) {
			ask := e.place(ctx, st, domain.SideSell, q.Ask, shares)
			st.ask = ask.rest
			rep.Placements = append(rep.Placements, ask.result)
		}
	}

	st.quote = q
	st.quotedAt = e.now()
	rep.Quote = q
	rep.Requoted = true
	metrics.Quotes.WithLabelValues(strings.ToLower(string(health))).Inc()
	e.logger.Debug("marketmaking: quoted",
		"instrument", id,
		"reason", reason,
		"health", health,
		"bid", q.Bid,
		"ask", q.Ask,
		"skew", q.Skew,
		"net", net,
	)
	return rep
}

// requoteReason devuelve por qué hay que re-cotizar, o "" si el quote actual sirve.
func (e *Engine) requoteReason(st *instrumentState, health domain.LiquidityHealth, skew, net float64) string {
	switch {
	case st.health == "":
		return "initial"
	case st.health != health:
		return "health"
	case skew != st.skew && math.Abs(skew-st.skew)+1e-12 >= e.cfg.SkewThreshold:
		return "skew"
	case !health.Quotable():
		return ""
	case st.quotedAt.IsZero():
		// Último intento sin quote válido: reintenta cuando el touch cambie.
		q := domain.ComputeQuote(st.book, st.inst.Outcome, net, e.cfg.Skew)
		if q.Valid() {
			return "touch"
		}
		return ""
	case e.now().Sub(st.quotedAt) >= e.cfg.Refresh:
		q := domain.ComputeQuote(st.book, st.inst.Outcome, net, e.cfg.Skew)
		if q.Bid != st.quote.Bid || q.Ask != st.quote.Ask {
			return "stale"
		}
	}
	return ""
}

type placement struct {
	rest   *restingOrder
	result domain.OrderResult
}

// place coloca un lado del quote. rest queda nil si la orden falló o cruzó entera.
func (e *Engine) place(ctx context.Context, st *instrumentState, side domain.Side, price, shares float64) placement {
	res := e.exec.Execute(ctx, domain.OrderIntent{
		UserID:       e.userID,
		InstrumentID: st.inst.InstrumentID,
		MarketID:     st.inst.MarketID,
		Side:         side,
		Shares:       shares,
		LimitPrice:   price,
		Hint:         domain.HintMaker,
		NegRisk:      st.inst.NegRisk,
		Reason:       reasonQuote,
	})
	if !res.Success {
		e.logger.Warn("marketmaking: quote rejected",
			"instrument", st.inst.InstrumentID,
			"side", side,
			"price", price,
			"code", res.ErrorCode,
			"err", res.ErrorMsg,
		)
		return placement{result: res}
	}
	r := &restingOrder{
		clientID:   res.ClientOrderID,
		exchangeID: res.ExchangeID,
		side:       side,
		price:      price,
		shares:     shares,
		filled:     res.FilledShares,
	}
	if !res.Resting() {
		return placement{result: res}
	}
	return placement{rest: r, result: res}
}

// Sync consulta las órdenes resting y devuelve los fills nuevos como OrderResults
// con solo el delta ejecutado desde la última consulta.
// Incluye instrumentos retirados cuya cancelación no se pudo confirmar.
func (e *Engine) Sync(ctx context.Context) []domain.OrderResult {
	var fills []domain.OrderResult
	for _, id := range e.withResting() {
		st := e.states[id]
		for _, slot := range []**restingOrder{&st.bid, &st.ask} {
			r := *slot
			if r == nil {
				continue
			}
			fill, done := e.syncOrder(ctx, st, r)
			if fill.Filled() {
				fills = append(fills, fill)
			}
			if done {
				e.release(slot)
			}
		}
	}
	return fills
}

func (e *Engine) withResting() []string {
	var ids []string
	for id, st := range e.states {
		if st.bid != nil || st.ask != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// release deja de seguir una orden que ya no está en el libro.
func (e *Engine) release(slot **restingOrder) {
	e.orders.Forget((*slot).clientID)
	*slot = nil
}

// syncOrder devuelve el delta de fill y si la orden ya no está en el libro.
func (e *Engine) syncOrder(ctx context.Context, st *instrumentState, r *restingOrder) (domain.OrderResult, bool) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	got, err := e.orders.LookupOrder(lctx, r.clientID)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.OrderResult{}, true
		}
		e.logger.Debug("marketmaking: lookup failed", "instrument", st.inst.InstrumentID, "order", r.exchangeID, "err", err)
		return domain.OrderResult{}, false
	}
	done := got.Status != domain.OrderStatusLive && got.Status != domain.OrderStatusDelayed
	delta := got.FilledShares - r.filled
	if delta <= 1e-9 {
		return domain.OrderResult{}, done
	}
	r.filled = got.FilledShares
	price := got.FilledPrice
	if price <= 0 {
		price = r.price
	}
	return domain.OrderResult{
		ClientOrderID:  r.clientID,
		ExchangeID:     r.exchangeID,
		UserID:         e.userID,
		InstrumentID:   st.inst.InstrumentID,
		MarketID:       st.inst.MarketID,
		Side:           r.side,
		Type:           domain.OrderTypeGTC,
		Status:         got.Status,
		Success:        true,
		RequestedPrice: r.price,
		RequestedSize:  r.shares,
		FilledShares:   delta,
		FilledPrice:    price,
		SubmittedAt:    got.SubmittedAt,
		CompletedAt:    e.now().UTC(),
	}, done
}

// cancelResting cancela bid y ask vivos. Los fills que ocurrieron antes de la
// cancelación se devuelven para que el bot los aplique al inventario.
// Una orden cuyo cancel falla y que sigue viva se queda en su slot: stuck=true
// hasta que otro cancel o un Sync confirmen que salió del libro.
func (e *Engine) cancelResting(ctx context.Context, st *instrumentState) (n int, fills []domain.OrderResult, stuck bool) {
	for _, slot := range []**restingOrder{&st.bid, &st.ask} {
		r := *slot
		if r == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err := e.orders.CancelOrder(cctx, r.exchangeID)
		cancel()
		gone := err == nil || errors.Is(err, domain.ErrNotFound)

		fill, done := e.syncOrder(ctx, st, r)
		if fill.Filled() {
			fills = append(fills, fill)
		}
		if !gone && !done {
			e.logger.Warn("marketmaking: cancel failed, order kept", "instrument", st.inst.InstrumentID, "order", r.exchangeID, "err", err)
			stuck = true
			continue
		}
		if gone {
			n++
		}
		e.release(slot)
	}
	return n, fills, stuck
}

// Retire cancela los quotes de los instrumentos y deja de cotizarlos.
func (e *Engine) Retire(ctx context.Context, instrumentIDs ...string) []domain.OrderResult {
	var fills []domain.OrderResult
	for _, id := range instrumentIDs {
		st, ok := e.states[id]
		if !ok || st.retired {
			continue
		}
		_, f, _ := e.cancelResting(ctx, st)
		fills = append(fills, f...)
		st.retired = true
		st.quote = domain.Quote{}
		st.quotedAt = time.Time{}
		e.logger.Info("marketmaking: instrument retired", "instrument", id)
	}
	return fills
}

// CancelAll retira todos los quotes vivos sin dejar de seguir los instrumentos.
func (e *Engine) CancelAll(ctx context.Context) []domain.OrderResult {
	var fills []domain.OrderResult
	for _, id := range e.Tracked() {
		st := e.states[id]
		_, f, _ := e.cancelResting(ctx, st)
		fills = append(fills, f...)
		st.health = ""
		st.quote = domain.Quote{}
		st.quotedAt = time.Time{}
	}
	return fills
}

// Pause retira los quotes y no coloca nuevos hasta Resume. Los books se siguen
// guardando para re-cotizar al reanudar.
func (e *Engine) Pause(ctx context.Context) []domain.OrderResult {
	if e.paused {
		return nil
	}
	fills := e.CancelAll(ctx)
	e.paused = true
	return fills
}

// Resume vuelve a cotizar desde el próximo book o Refresh.
func (e *Engine) Resume() { e.paused = false }

// Paused indica si el market maker está en pausa.
func (e *Engine) Paused() bool { return e.paused }

// Resting devuelve cuántas órdenes propias siguen en el libro.
func (e *Engine) Resting() int {
	n := 0
	for _, st := range e.states {
		if st.bid != nil {
			n++
		}
		if st.ask != nil {
			n++
		}
	}
	return n
}

func minShares(book domain.OrderBook) float64 {
	if book.MinOrderSize > 0 {
		return book.MinOrderSize
	}
	return defaultMinShares
}
