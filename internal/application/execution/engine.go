// Package execution convierte una OrderIntent en exactamente un OrderResult.
//
// Flujo por intento: BUILD → PRICE_DISCOVERY → SIZE_CHECK → SUBMIT → (FILLED | RETRY_AUTH | FAILED)
package execution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	defaultOrderTimeout = 10 * time.Second
	defaultMinShares    = 5
	maxAuthRetries      = 1
)

// Config del execution engine.
type Config struct {
	OrderTimeout     time.Duration
	DefaultTickSize  float64
	DefaultMinShares float64 // si el book no informa min order size
}

// Engine ejecuta intents contra un ports.Exchange.
type Engine struct {
	ex     ports.Exchange
	cfg    Config
	logger *slog.Logger
}

// New crea un Engine. logger nil usa slog.Default.
func New(ex ports.Exchange, cfg Config, logger *slog.Logger) *Engine {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if cfg.DefaultTickSize <= 0 {
		cfg.DefaultTickSize = domain.DefaultTickSize
	}
	if cfg.DefaultMinShares <= 0 {
		cfg.DefaultMinShares = defaultMinShares
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ex: ex, cfg: cfg, logger: logger}
}

// Execute nunca descarta una intent: siempre devuelve un éxito o un fallo tipado.
// Una vez enviada, la orden se resuelve aunque ctx se cancele.
func (e *Engine) Execute(ctx context.Context, in domain.OrderIntent) domain.OrderResult {
	start := time.Now()
	if in.ClientOrderID == "" {
		in.ClientOrderID = uuid.NewString()
	}

	res := e.execute(ctx, in)

	res.ClientOrderID = in.ClientOrderID
	res.UserID = in.UserID
	if res.InstrumentID == "" {
		res.InstrumentID = in.InstrumentID
	}
	if res.MarketID == "" {
		res.MarketID = in.MarketID
	}
	res.Side = in.Side
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now().UTC()
	}
	// Lo que no quedó resting no se vuelve a consultar.
	if !res.Resting() {
		e.ex.Forget(in.ClientOrderID)
	}

	outcome := string(res.ErrorCode)
	switch {
	case res.Filled():
		outcome = "filled"
	case res.Success:
		outcome = "accepted"
	}
	metrics.Orders.WithLabelValues(string(res.Type), string(in.Side), outcome).Inc()
	metrics.OrderLatency.WithLabelValues(string(res.Type)).Observe(time.Since(start).Seconds())

	if res.Success {
		e.logger.Info("execution: order done",
			"user", in.UserID,
			"reason", in.Reason,
			"side", in.Side,
			"type", res.Type,
			"status", res.Status,
			"filled", res.FilledShares,
			"price", res.FilledPrice,
			"attempts", res.Attempts,
		)
	} else {
		e.logger.Warn("execution: order failed",
			"user", in.UserID,
			"reason", in.Reason,
			"side", in.Side,
			"instrument", in.InstrumentID,
			"code", res.ErrorCode,
			"err", res.ErrorMsg,
		)
	}
	return res
}

func (e *Engine) execute(ctx context.Context, in domain.OrderIntent) domain.OrderResult {
	// BUILD
	if msg := validate(in); msg != "" {
		return domain.Failure(in, domain.OrderErrInvalidIntent, msg)
	}

	// PRICE_DISCOVERY
	book, err := e.book(ctx, in.InstrumentID)
	if err != nil {
		if in.LimitPrice <= 0 {
			return e.bookFailure(ctx, in, err)
		}
		// Con precio explícito se sigue con los defaults de tick y tamaño.
		e.logger.Debug("execution: book unavailable, using limit", "instrument", in.InstrumentID, "err", err)
		book = domain.OrderBook{TokenID: in.InstrumentID}
	}
	tick := book.TickSize
	if tick <= 0 {
		tick = e.cfg.DefaultTickSize
	}

	shares := RoundShares(in.Shares)
	price := in.LimitPrice
	if price <= 0 {
		if _, ok := book.TopOfBook(in.Side); !ok {
			return domain.Failure(in, domain.OrderErrNoLiquidity, "empty "+bookSideName(in.Side)+" side")
		}
		// El límite es el nivel que cubre todo el tamaño, no solo el touch.
		marginal, full := book.MarginalPrice(in.Side, shares)
		if !full {
			filled, avg := book.Sweep(in.Side, shares, marginal)
			e.logger.Debug("execution: book shallower than order",
				"instrument", in.InstrumentID,
				"shares", shares,
				"available", filled,
				"avg_price", avg,
			)
		}
		price = marginal
	}
	price = RoundPrice(price, tick, in.Side, in.Hint != domain.HintMaker)

	// SIZE_CHECK: última barrera, no se redimensiona.
	minShares := book.MinOrderSize
	if minShares <= 0 {
		minShares = e.cfg.DefaultMinShares
	}
	if shares < minShares {
		f := domain.Failure(in, domain.OrderErrBelowMinSize, "shares below exchange minimum")
		f.RequestedPrice = price
		return f
	}

	req := domain.OrderRequest{
		ClientOrderID: in.ClientOrderID,
		InstrumentID:  in.InstrumentID,
		MarketID:      in.MarketID,
		Side:          in.Side,
		Price:         price,
		Shares:        shares,
		Type:          orderType(in),
		NegRisk:       in.NegRisk,
		TickSize:      tick,
	}

	// SUBMIT
	return e.submit(ctx, in, req, maxAuthRetries)
}

// submit envía req. authRetries acota los re-auth: se decrementa en cada uno y con 0
// un segundo fallo de auth es terminal.
func (e *Engine) submit(ctx context.Context, in domain.OrderIntent, req domain.OrderRequest, authRetries int) domain.OrderResult {
	// La request ya enviada se deja terminar aunque el bot se pare.
	sendCtx := context.WithoutCancel(ctx)
	submitted := time.Now().UTC()

	attempts := 0
	for {
		attempts++
		callCtx, cancel := context.WithTimeout(sendCtx, e.cfg.OrderTimeout)
		res, err := e.ex.CreateOrder(callCtx, req)
		cancel()

		if err == nil {
			return finish(res, req, attempts, submitted)
		}

		switch {
		case errors.Is(err, domain.ErrAuth) && authRetries > 0:
			authRetries--
			e.logger.Info("execution: auth expired, re-authenticating", "user", in.UserID)
			rctx, cancel := context.WithTimeout(sendCtx, e.cfg.OrderTimeout)
			rerr := e.ex.Reauthenticate(rctx)
			cancel()
			if rerr != nil {
				return finish(failed(in, req, rerr), req, attempts, submitted)
			}
			continue

		case errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
			return finish(e.resolveUnknown(sendCtx, in, req, err), req, attempts, submitted)
		}
		return finish(failed(in, req, err), req, attempts, submitted)
	}
}

// resolveUnknown consulta el estado real tras un timeout. Reenviar sin saberlo
// podría duplicar la orden.
func (e *Engine) resolveUnknown(ctx context.Context, in domain.OrderIntent, req domain.OrderRequest, cause error) domain.OrderResult {
	e.logger.Warn("execution: submit timed out, querying order state", "client_order_id", req.ClientOrderID, "err", cause)

	lctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	res, err := e.ex.LookupOrder(lctx, req.ClientOrderID)
	switch {
	case err == nil:
		return res
	case errors.Is(err, domain.ErrNotFound):
		return domain.Failure(in, domain.OrderErrNotSubmitted, "order not found after timeout")
	}
	return domain.Failure(in, domain.OrderErrUnknown, "submit timed out and lookup failed: "+err.Error())
}

func (e *Engine) book(ctx context.Context, instrumentID string) (domain.OrderBook, error) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return e.ex.GetOrderBook(bctx, instrumentID)
}

// bookFailure distingue un mercado cerrado de un book no disponible.
func (e *Engine) bookFailure(ctx context.Context, in domain.OrderIntent, err error) domain.OrderResult {
	if errors.Is(err, domain.ErrNotFound) && in.MarketID != "" {
		tctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		ok, terr := e.ex.IsMarketTradeable(tctx, in.MarketID)
		cancel()
		if terr == nil && !ok {
			return domain.Failure(in, domain.OrderErrMarketClosed, "market not tradeable")
		}
	}
	code := domain.OrderErrorCodeFor(err)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrData) {
		code = domain.OrderErrBook
	}
	return domain.Failure(in, code, err.Error())
}

func validate(in domain.OrderIntent) string {
	switch {
	case in.InstrumentID == "":
		return "missing instrument"
	case in.Side != domain.SideBuy && in.Side != domain.SideSell:
		return "invalid side " + string(in.Side)
	case in.Shares <= 0:
		return "non-positive size"
	case in.LimitPrice < 0 || in.LimitPrice >= 1:
		return "limit price out of range"
	}
	return ""
}

// orderType: FOK para compras, FAK para salidas, GTC solo si lo pide el market maker.
func orderType(in domain.OrderIntent) domain.OrderType {
	switch {
	case in.Hint == domain.HintMaker:
		return domain.OrderTypeGTC
	case in.Side == domain.SideSell:
		return domain.OrderTypeFAK
	}
	return domain.OrderTypeFOK
}

func failed(in domain.OrderIntent, req domain.OrderRequest, err error) domain.OrderResult {
	f := domain.Failure(in, domain.OrderErrorCodeFor(err), err.Error())
	f.Type = req.Type
	return f
}

func finish(res domain.OrderResult, req domain.OrderRequest, attempts int, submitted time.Time) domain.OrderResult {
	res.Type = req.Type
	res.RequestedPrice = req.Price
	res.RequestedSize = req.Shares
	res.Attempts = attempts
	if res.SubmittedAt.IsZero() {
		res.SubmittedAt = submitted
	}
	return res
}

func bookSideName(s domain.Side) string {
	if s == domain.SideBuy {
		return "ask"
	}
	return "bid"
}
