package polymarket

// clob.go: lecturas públicas del CLOB (books y metadata de mercados).
//
// FetchOrderBooks usa goroutines concurrentes para disparar múltiples batch requests
// en paralelo. El rate limiter (token bucket) en doWithRetry controla el ritmo
// automáticamente, así que las goroutines se autolimitan sin semáforo explícito.

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	bookPath    = "/book"
	booksPath   = "/books"
	marketsPath = "/markets/"
	batchSize   = 20 // máx token_ids por request a /books
)

// GetOrderBook devuelve el libro de un token con su tick size y min order size.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	u := fmt.Sprintf("%s%s?token_id=%s", c.clobBase, bookPath, url.QueryEscape(tokenID))

	var resp orderBookResponse
	if err := c.get(ctx, c.booksLimiter, "clob.GetOrderBook", u, &resp); err != nil {
		return domain.OrderBook{}, err
	}
	ob, err := mapOrderBook(resp)
	if err != nil {
		return domain.OrderBook{}, dataError("clob.GetOrderBook", err)
	}
	return ob, nil
}

// FetchOrderBooks obtiene los orderbooks para los token_ids dados usando el endpoint batch.
// Lanza un goroutine por batch (máx batchSize tokens cada uno). Los libros con forma
// inválida se descartan y se loguean.
func (c *Client) FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	if len(tokenIDs) == 0 {
		return map[string]domain.OrderBook{}, nil
	}

	batches := splitBatches(tokenIDs, batchSize)

	type batchResult struct {
		books map[string]domain.OrderBook
		err   error
		idx   int
	}

	resultCh := make(chan batchResult, len(batches))
	var wg sync.WaitGroup

	for i, batch := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			books, err := c.fetchBooksBatch(ctx, batch)
			resultCh <- batchResult{books: books, err: err, idx: i}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	result := make(map[string]domain.OrderBook, len(tokenIDs))
	var firstErr error

	for r := range resultCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("clob.FetchOrderBooks batch %d: %w", r.idx, r.err)
			}
			continue
		}
		for k, v := range r.books {
			result[k] = v
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}

	slog.Debug("polymarket: order books fetched", "tokens", len(tokenIDs), "books", len(result))
	return result, nil
}

// splitBatches divide tokenIDs en slices de tamaño máximo size.
func splitBatches(tokenIDs []string, size int) [][]string {
	if size <= 0 {
		size = batchSize
	}
	batches := make([][]string, 0, (len(tokenIDs)+size-1)/size)
	for i := 0; i < len(tokenIDs); i += size {
		end := i + size
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		batches = append(batches, tokenIDs[i:end])
	}
	return batches
}

// fetchBooksBatch hace un POST /books para un batch de token_ids.
func (c *Client) fetchBooksBatch(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	body := make([]orderBookRequest, len(tokenIDs))
	for i, id := range tokenIDs {
		body[i] = orderBookRequest{TokenID: id}
	}

	var resp []orderBookResponse
	if err := c.post(ctx, c.booksLimiter, "clob.FetchOrderBooks", c.clobBase+booksPath, body, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]domain.OrderBook, len(resp))
	for _, r := range resp {
		ob, err := mapOrderBook(r)
		if err != nil {
			slog.Warn("polymarket: discarding malformed book", "asset", r.AssetID, "err", err)
			continue
		}
		out[ob.TokenID] = ob
	}
	return out, nil
}

// GetMarket devuelve tokens, tick size, min order size y neg-risk de un mercado.
// El resultado se cachea un minuto; la metadata de Gamma es opcional.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	c.mu.Lock()
	if cm, ok := c.markets[conditionID]; ok && time.Since(cm.fetchedAt) < marketCacheTTL {
		c.mu.Unlock()
		return cm.market, nil
	}
	c.mu.Unlock()

	var resp clobMarket
	u := c.clobBase + marketsPath + url.PathEscape(conditionID)
	if err := c.get(ctx, c.clobLimiter, "clob.GetMarket", u, &resp); err != nil {
		return domain.Market{}, err
	}
	m, err := mapMarket(resp)
	if err != nil {
		return domain.Market{}, dataError("clob.GetMarket", err)
	}

	if m.Question == "" {
		if gm, err := c.fetchGammaMarket(ctx, conditionID); err != nil {
			slog.Debug("polymarket: gamma metadata unavailable", "market", conditionID, "err", err)
		} else {
			enrichFromGamma(&m, gm)
		}
	}

	c.mu.Lock()
	c.markets[conditionID] = cachedMarket{market: m, fetchedAt: time.Now()}
	c.mu.Unlock()
	return m, nil
}

// IsMarketTradeable devuelve true si el mercado está activo y acepta órdenes.
func (c *Client) IsMarketTradeable(ctx context.Context, conditionID string) (bool, error) {
	m, err := c.GetMarket(ctx, conditionID)
	if err != nil {
		return false, err
	}
	return m.Tradeable(), nil
}

// ForgetMarket invalida la cache de un mercado (p.ej. tras market_resolved).
func (c *Client) ForgetMarket(conditionID string) {
	c.mu.Lock()
	delete(c.markets, conditionID)
	c.mu.Unlock()
}
