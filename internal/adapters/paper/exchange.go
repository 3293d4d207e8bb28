// Package paper implementa un Exchange simulado sobre libros reales para dry-run.
// FOK/FAK barren el libro leído en el momento; GTC queda resting y nunca se ejecuta.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// MarketData es la parte de solo lectura del cliente público del CLOB.
type MarketData interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
	FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error)
	GetMarket(ctx context.Context, conditionID string) (domain.Market, error)
	IsMarketTradeable(ctx context.Context, conditionID string) (bool, error)
}

// BalanceReader lee saldos reales de otras wallets (las wallets copiadas).
type BalanceReader interface {
	USDCBalance(ctx context.Context, address string) (float64, error)
	TokenBalance(ctx context.Context, address, tokenID string) (float64, error)
}

// Option configura el Exchange.
type Option func(*Exchange)

// WithOwner fija la dirección simulada. Las consultas de saldo de cualquier otra
// dirección van a la cadena si hay BalanceReader.
func WithOwner(address string) Option { return func(e *Exchange) { e.owner = address } }

// WithChain conecta el lector on-chain para saldos ajenos.
func WithChain(r BalanceReader) Option { return func(e *Exchange) { e.chain = r } }

type restingOrder struct {
	req      domain.OrderRequest
	reserved float64
	placedAt time.Time
}

// Exchange es un exchange de papel para un usuario.
type Exchange struct {
	data  MarketData
	owner string
	chain BalanceReader

	mu        sync.Mutex
	balance   float64
	positions map[string]float64
	resting   map[string]restingOrder
	results   map[string]domain.OrderResult
}

// NewExchange crea un exchange de papel con balance USDC inicial.
func NewExchange(data MarketData, balance float64, opts ...Option) *Exchange {
	e := &Exchange{
		data:      data,
		balance:   balance,
		positions: make(map[string]float64),
		resting:   make(map[string]restingOrder),
		results:   make(map[string]domain.OrderResult),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// foreign indica si address es otra wallet que hay que leer de la cadena.
func (e *Exchange) foreign(address string) bool {
	return e.chain != nil && address != "" && !strings.EqualFold(address, e.owner)
}

func (e *Exchange) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	return e.data.GetOrderBook(ctx, tokenID)
}

func (e *Exchange) GetOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	return e.data.FetchOrderBooks(ctx, tokenIDs)
}

func (e *Exchange) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	return e.data.GetMarket(ctx, conditionID)
}

func (e *Exchange) IsMarketTradeable(ctx context.Context, conditionID string) (bool, error) {
	return e.data.IsMarketTradeable(ctx, conditionID)
}

// Reauthenticate no hace nada: no hay credenciales.
func (e *Exchange) Reauthenticate(context.Context) error { return nil }

// GetBalance devuelve el USDC simulado libre (sin lo reservado por órdenes resting).
// Para otras wallets devuelve el saldo real.
func (e *Exchange) GetBalance(ctx context.Context, address string) (float64, error) {
	if e.foreign(address) {
		return e.chain.USDCBalance(ctx, address)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

// TokenBalance devuelve las shares simuladas.
func (e *Exchange) TokenBalance(ctx context.Context, address, tokenID string) (float64, error) {
	if e.foreign(address) {
		return e.chain.TokenBalance(ctx, address, tokenID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[tokenID], nil
}

// CreateOrder simula la orden contra el libro actual.
func (e *Exchange) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	const op = "paper.CreateOrder"
	res := domain.OrderResult{
		ClientOrderID:  req.ClientOrderID,
		ExchangeID:     uuid.New().String(),
		InstrumentID:   req.InstrumentID,
		MarketID:       req.MarketID,
		Side:           req.Side,
		Type:           req.Type,
		RequestedPrice: req.Price,
		RequestedSize:  req.Shares,
		SubmittedAt:    time.Now().UTC(),
	}

	if req.Type == domain.OrderTypeGTC {
		return e.rest(req, res)
	}

	book, err := e.data.GetOrderBook(ctx, req.InstrumentID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	filled, avg := book.Sweep(req.Side, req.Shares, req.Price)

	e.mu.Lock()
	defer e.mu.Unlock()
	res.CompletedAt = time.Now().UTC()

	if req.Side == domain.SideSell && req.Shares > e.positions[req.InstrumentID]+1e-9 {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrRejected, op, 0,
			fmt.Sprintf("not enough shares: have %.2f, want %.2f", e.positions[req.InstrumentID], req.Shares))
	}
	if filled <= 0 || (req.Type == domain.OrderTypeFOK && filled < req.Shares-1e-9) {
		res.Status = domain.OrderStatusUnmatched
		res.ErrorCode = domain.OrderErrNotFilled
		res.ErrorMsg = fmt.Sprintf("book only offers %.2f of %.2f shares at %.3f", filled, req.Shares, req.Price)
		e.results[req.ClientOrderID] = res
		return res, nil
	}
	cost := filled * avg
	if req.Side == domain.SideBuy && cost > e.balance+1e-9 {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrRejected, op, 0,
			fmt.Sprintf("not enough balance: have %.2f, need %.2f", e.balance, cost))
	}

	switch req.Side {
	case domain.SideBuy:
		e.balance -= cost
		e.positions[req.InstrumentID] += filled
	case domain.SideSell:
		e.balance += cost
		e.positions[req.InstrumentID] -= filled
	}
	res.Success = true
	res.Status = domain.OrderStatusMatched
	res.FilledShares = filled
	res.FilledPrice = avg
	e.results[req.ClientOrderID] = res

	slog.Debug("paper: order filled",
		"instrument", req.InstrumentID,
		"side", req.Side,
		"shares", filled,
		"avg_price", avg,
		"balance", e.balance,
	)
	return res, nil
}

func (e *Exchange) rest(req domain.OrderRequest, res domain.OrderResult) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var reserved float64
	switch req.Side {
	case domain.SideBuy:
		reserved = req.Price * req.Shares
		if reserved > e.balance+1e-9 {
			return domain.OrderResult{}, domain.NewExchangeError(domain.ErrRejected, "paper.CreateOrder", 0, "not enough balance for resting bid")
		}
		e.balance -= reserved
	case domain.SideSell:
		if req.Shares > e.positions[req.InstrumentID]+1e-9 {
			return domain.OrderResult{}, domain.NewExchangeError(domain.ErrRejected, "paper.CreateOrder", 0, "not enough shares for resting ask")
		}
		e.positions[req.InstrumentID] -= req.Shares
		reserved = req.Shares
	}
	e.resting[res.ExchangeID] = restingOrder{req: req, reserved: reserved, placedAt: res.SubmittedAt}
	res.Success = true
	res.Status = domain.OrderStatusLive
	res.CompletedAt = time.Now().UTC()
	e.results[req.ClientOrderID] = res
	return res, nil
}

// CancelOrder retira una orden resting y libera lo reservado.
func (e *Exchange) CancelOrder(_ context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ro, ok := e.resting[orderID]
	if !ok {
		return domain.NewExchangeError(domain.ErrNotFound, "paper.CancelOrder", 0, orderID)
	}
	delete(e.resting, orderID)
	switch ro.req.Side {
	case domain.SideBuy:
		e.balance += ro.reserved
	case domain.SideSell:
		e.positions[ro.req.InstrumentID] += ro.reserved
	}
	if r, ok := e.results[ro.req.ClientOrderID]; ok {
		r.Success = false
		r.Status = domain.OrderStatusCancelled
		r.ErrorCode = domain.OrderErrNotFilled
		e.results[ro.req.ClientOrderID] = r
	}
	return nil
}

// LookupOrder devuelve el último estado conocido de una orden.
func (e *Exchange) LookupOrder(_ context.Context, clientOrderID string) (domain.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[clientOrderID]
	if !ok {
		return domain.OrderResult{}, domain.NewExchangeError(domain.ErrNotFound, "paper.LookupOrder", 0, clientOrderID)
	}
	return r, nil
}

// Forget descarta el resultado guardado de una orden que ya no está resting.
func (e *Exchange) Forget(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[clientOrderID]
	if !ok {
		return
	}
	if _, live := e.resting[r.ExchangeID]; live {
		return
	}
	delete(e.results, clientOrderID)
}

// Resting devuelve cuántas órdenes GTC siguen abiertas.
func (e *Exchange) Resting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.resting)
}
