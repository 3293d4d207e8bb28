package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	defaultCLOBBase  = "https://clob.polymarket.com"
	defaultGammaBase = "https://gamma-api.polymarket.com"
	defaultDataBase  = "https://data-api.polymarket.com"

	// Rate limits al 60% de los límites reales documentados.
	// CLOB /book(s): 500/10s → 300/10s → 30/s
	booksRatePerSec = 30
	// Gamma /markets: 300/10s → 180/10s → 18/s
	gammaRatePerSec = 18
	// Data API /trades: 200/10s → 120/10s → 12/s
	dataRatePerSec = 12
	// CLOB general (markets, data/order, cancel): 9000/10s → 540/s
	generalRatePerSec = 540
	// POST /order: 3500/10s burst, 36000/10min sostenido → 60/s
	orderRatePerSec = 60

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond

	marketCacheTTL = time.Minute
)

// Endpoints agrupa los base URLs. Los vacíos usan producción.
type Endpoints struct {
	CLOB    string
	Gamma   string
	Data    string
	Timeout time.Duration
}

// Client es el HTTP client público de Polymarket con rate limiting y retries.
// Lo comparten todos los usuarios: los limiters son por proceso, no por wallet.
type Client struct {
	http         *http.Client
	clobBase     string
	gammaBase    string
	dataBase     string
	clobLimiter  *rate.Limiter
	gammaLimiter *rate.Limiter
	booksLimiter *rate.Limiter
	dataLimiter  *rate.Limiter
	orderLimiter *rate.Limiter

	mu      sync.Mutex
	markets map[string]cachedMarket
}

type cachedMarket struct {
	market    domain.Market
	fetchedAt time.Time
}

// NewClient crea un Client con los endpoints dados.
func NewClient(ep Endpoints) *Client {
	if ep.CLOB == "" {
		ep.CLOB = defaultCLOBBase
	}
	if ep.Gamma == "" {
		ep.Gamma = defaultGammaBase
	}
	if ep.Data == "" {
		ep.Data = defaultDataBase
	}
	if ep.Timeout <= 0 {
		ep.Timeout = 10 * time.Second
	}
	return &Client{
		http:         &http.Client{Timeout: ep.Timeout},
		clobBase:     ep.CLOB,
		gammaBase:    ep.Gamma,
		dataBase:     ep.Data,
		clobLimiter:  rate.NewLimiter(generalRatePerSec, 50),
		gammaLimiter: rate.NewLimiter(gammaRatePerSec, 10),
		booksLimiter: rate.NewLimiter(booksRatePerSec, 5),
		dataLimiter:  rate.NewLimiter(dataRatePerSec, 5),
		orderLimiter: rate.NewLimiter(orderRatePerSec, 20),
		markets:      make(map[string]cachedMarket),
	}
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, op, url string, out any) error {
	return c.doWithRetry(ctx, limiter, op, true, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// post hace un POST JSON con rate limiting y retries. Solo para lecturas idempotentes (p.ej. /books).
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, op, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", op, err)
	}
	return c.doWithRetry(ctx, limiter, op, true, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// doWithRetry ejecuta la request con backoff exponencial.
// Con idempotent=false solo se reintenta un 429 (la request no se procesó); un timeout o 5xx
// se devuelve enseguida como ErrTimeout para que el caller consulte el estado real.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, op string, idempotent bool, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}

		req, err := build()
		if err != nil {
			return fmt.Errorf("%s: new request: %w", op, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = transportError(op, err)
			if !idempotent || ctx.Err() != nil || attempt == maxRetries {
				return lastErr
			}
			c.sleep(ctx, attempt)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = transportError(op, readErr)
			if !idempotent || attempt == maxRetries {
				return lastErr
			}
			c.sleep(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("polymarket: rate limited by API", "op", op, "attempt", attempt+1)
			lastErr = statusError(op, resp.StatusCode, body)
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 500:
			if !idempotent {
				return domain.NewExchangeError(domain.ErrTimeout, op, resp.StatusCode, errorMessage(body))
			}
			lastErr = statusError(op, resp.StatusCode, body)
			if attempt == maxRetries {
				return lastErr
			}
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			return statusError(op, resp.StatusCode, body)
		}

		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return dataError(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	return lastErr
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
