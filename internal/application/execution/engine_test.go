package execution_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/application/execution"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

// fakeExchange cuenta escrituras (CreateOrder, CancelOrder, Reauthenticate).
type fakeExchange struct {
	mu sync.Mutex

	book       domain.OrderBook
	bookErr    error
	tradeable  bool
	createErrs []error // se consumen en orden; luego éxito
	createRes  func(req domain.OrderRequest) domain.OrderResult
	lookupRes  domain.OrderResult
	lookupErr  error
	reauthErr  error

	requests  []domain.OrderRequest
	reauths   int
	lookups   int
	writes    int
	forgotten []string
}

func (f *fakeExchange) GetOrderBook(context.Context, string) (domain.OrderBook, error) {
	return f.book, f.bookErr
}

func (f *fakeExchange) GetOrderBooks(context.Context, []string) (map[string]domain.OrderBook, error) {
	return nil, nil
}

func (f *fakeExchange) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.requests = append(f.requests, req)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return domain.OrderResult{}, err
	}
	if f.createRes != nil {
		return f.createRes(req), nil
	}
	return domain.OrderResult{
		ExchangeID:   "0xorder",
		Status:       domain.OrderStatusMatched,
		Success:      true,
		FilledShares: req.Shares,
		FilledPrice:  req.Price - 0.01, // mejor que lo pedido
	}, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string) error {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return nil
}

func (f *fakeExchange) LookupOrder(context.Context, string) (domain.OrderResult, error) {
	f.mu.Lock()
	f.lookups++
	f.mu.Unlock()
	return f.lookupRes, f.lookupErr
}

func (f *fakeExchange) Forget(clientOrderID string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, clientOrderID)
	f.mu.Unlock()
}

func (f *fakeExchange) Reauthenticate(context.Context) error {
	f.mu.Lock()
	f.reauths++
	f.writes++
	f.mu.Unlock()
	return f.reauthErr
}

func (f *fakeExchange) GetBalance(context.Context, string) (float64, error) { return 100, nil }

func (f *fakeExchange) TokenBalance(context.Context, string, string) (float64, error) { return 0, nil }

func (f *fakeExchange) IsMarketTradeable(context.Context, string) (bool, error) {
	return f.tradeable, nil
}

func (f *fakeExchange) GetMarket(context.Context, string) (domain.Market, error) {
	return domain.Market{}, nil
}

func testBook() domain.OrderBook {
	return domain.OrderBook{
		TokenID:      "tok",
		Bids:         []domain.BookEntry{{Price: 0.40, Size: 100}},
		Asks:         []domain.BookEntry{{Price: 0.43, Size: 100}},
		TickSize:     0.01,
		MinOrderSize: 5,
	}
}

func newEngine(ex *fakeExchange) *execution.Engine {
	return execution.New(ex, execution.Config{OrderTimeout: time.Second}, nil)
}

func buyIntent(shares float64) domain.OrderIntent {
	return domain.OrderIntent{UserID: "u1", InstrumentID: "tok", MarketID: "0xmkt", Side: domain.SideBuy, Shares: shares, Reason: "copy"}
}

func TestExecute_BuyUsesBestAskAndFOK(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	res := newEngine(ex).Execute(context.Background(), buyIntent(10))

	require.True(t, res.Success)
	require.Len(t, ex.requests, 1)
	req := ex.requests[0]
	assert.Equal(t, domain.OrderTypeFOK, req.Type)
	assert.InDelta(t, 0.43, req.Price, 1e-9)
	assert.InDelta(t, 10, req.Shares, 1e-9)
	assert.NotEmpty(t, req.ClientOrderID)

	// El resultado lleva el fill real, no el precio pedido.
	assert.InDelta(t, 0.42, res.FilledPrice, 1e-9)
	assert.InDelta(t, 0.43, res.RequestedPrice, 1e-9)
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, req.ClientOrderID, res.ClientOrderID)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_SellUsesBestBidAndFAK(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	in := buyIntent(10)
	in.Side = domain.SideSell
	res := newEngine(ex).Execute(context.Background(), in)

	require.True(t, res.Success)
	assert.Equal(t, domain.OrderTypeFAK, ex.requests[0].Type)
	assert.InDelta(t, 0.40, ex.requests[0].Price, 1e-9)
}

func TestExecute_FOKLimitCoversSeveralLevels(t *testing.T) {
	book := testBook()
	book.Asks = []domain.BookEntry{{Price: 0.43, Size: 50}, {Price: 0.44, Size: 1000}}
	ex := &fakeExchange{book: book}
	ex.createRes = func(req domain.OrderRequest) domain.OrderResult {
		filled, avg := book.Sweep(req.Side, req.Shares, req.Price)
		if filled < req.Shares {
			return domain.OrderResult{Status: domain.OrderStatusCancelled, Success: true}
		}
		return domain.OrderResult{ExchangeID: "0xorder", Status: domain.OrderStatusMatched, Success: true, FilledShares: filled, FilledPrice: avg}
	}
	res := newEngine(ex).Execute(context.Background(), buyIntent(200))

	require.Len(t, ex.requests, 1)
	assert.InDelta(t, 0.44, ex.requests[0].Price, 1e-9, "el límite llega al nivel que cubre 200")
	require.True(t, res.Filled())
	assert.InDelta(t, 200, res.FilledShares, 1e-9)
	assert.InDelta(t, (50*0.43+150*0.44)/200, res.FilledPrice, 1e-9)
}

func TestExecute_SellWalksBidsDown(t *testing.T) {
	book := testBook()
	book.Bids = []domain.BookEntry{{Price: 0.40, Size: 5}, {Price: 0.39, Size: 5}, {Price: 0.35, Size: 100}}
	ex := &fakeExchange{book: book}
	in := buyIntent(8)
	in.Side = domain.SideSell
	newEngine(ex).Execute(context.Background(), in)

	require.Len(t, ex.requests, 1)
	assert.InDelta(t, 0.39, ex.requests[0].Price, 1e-9)
}

func TestExecute_MakerHintIsGTCAndPassiveRounding(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	in := buyIntent(10)
	in.Hint = domain.HintMaker
	in.LimitPrice = 0.417
	res := newEngine(ex).Execute(context.Background(), in)

	require.True(t, res.Success)
	assert.Equal(t, domain.OrderTypeGTC, ex.requests[0].Type)
	assert.InDelta(t, 0.41, ex.requests[0].Price, 1e-9)
}

func TestExecute_TakerRoundsBuyUpSellDown(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	in := buyIntent(10)
	in.LimitPrice = 0.421
	newEngine(ex).Execute(context.Background(), in)

	in.Side = domain.SideSell
	in.LimitPrice = 0.429
	newEngine(ex).Execute(context.Background(), in)

	require.Len(t, ex.requests, 2)
	assert.InDelta(t, 0.43, ex.requests[0].Price, 1e-9)
	assert.InDelta(t, 0.42, ex.requests[1].Price, 1e-9)
}

func TestExecute_EmptyBookIsNoLiquidityWithZeroWrites(t *testing.T) {
	book := testBook()
	book.Asks = nil
	ex := &fakeExchange{book: book}

	res := newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderErrNoLiquidity, res.ErrorCode)
	assert.Equal(t, 0, ex.writes)
}

func TestExecute_BelowMinSizeIsRejectedNotResized(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	res := newEngine(ex).Execute(context.Background(), buyIntent(4.999))
	assert.Equal(t, domain.OrderErrBelowMinSize, res.ErrorCode)
	assert.InDelta(t, 4.999, res.RequestedSize, 1e-9)
	assert.Equal(t, 0, ex.writes)
}

func TestExecute_InvalidIntent(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	e := newEngine(ex)
	for _, in := range []domain.OrderIntent{
		{InstrumentID: "", Side: domain.SideBuy, Shares: 10},
		{InstrumentID: "tok", Side: "HOLD", Shares: 10},
		{InstrumentID: "tok", Side: domain.SideBuy, Shares: 0},
		{InstrumentID: "tok", Side: domain.SideBuy, Shares: 10, LimitPrice: 1.2},
	} {
		res := e.Execute(context.Background(), in)
		assert.Equal(t, domain.OrderErrInvalidIntent, res.ErrorCode)
		assert.NotEmpty(t, res.ClientOrderID)
	}
	assert.Equal(t, 0, ex.writes)
}

func TestExecute_ReauthenticatesExactlyOnce(t *testing.T) {
	authErr := domain.NewExchangeError(domain.ErrAuth, "fake.CreateOrder", 401, "expired")
	ex := &fakeExchange{book: testBook(), createErrs: []error{authErr}}

	res := newEngine(ex).Execute(context.Background(), buyIntent(10))
	require.True(t, res.Success)
	assert.Equal(t, 1, ex.reauths)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecute_SecondAuthFailureIsTerminal(t *testing.T) {
	authErr := domain.NewExchangeError(domain.ErrAuth, "fake.CreateOrder", 401, "expired")
	ex := &fakeExchange{book: testBook(), createErrs: []error{authErr, authErr, authErr}}

	res := newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderErrAuth, res.ErrorCode)
	assert.Equal(t, 1, ex.reauths)
	assert.Len(t, ex.requests, 2)
}

func TestExecute_ReauthFailure(t *testing.T) {
	authErr := domain.NewExchangeError(domain.ErrAuth, "fake.CreateOrder", 401, "expired")
	ex := &fakeExchange{
		book:       testBook(),
		createErrs: []error{authErr},
		reauthErr:  domain.NewExchangeError(domain.ErrAuth, "fake.Reauthenticate", 401, "bad key"),
	}
	res := newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.Equal(t, domain.OrderErrAuth, res.ErrorCode)
	assert.Len(t, ex.requests, 1)
}

func TestExecute_TimeoutQueriesOrderState(t *testing.T) {
	timeout := domain.NewExchangeError(domain.ErrTimeout, "fake.CreateOrder", 502, "gateway")

	t.Run("found", func(t *testing.T) {
		ex := &fakeExchange{
			book:       testBook(),
			createErrs: []error{timeout},
			lookupRes:  domain.OrderResult{Success: true, Status: domain.OrderStatusMatched, FilledShares: 10, FilledPrice: 0.43},
		}
		res := newEngine(ex).Execute(context.Background(), buyIntent(10))
		assert.True(t, res.Filled())
		assert.Equal(t, 1, ex.lookups)
		assert.Len(t, ex.requests, 1, "never resubmits after a timeout")
	})

	t.Run("not found", func(t *testing.T) {
		ex := &fakeExchange{
			book:       testBook(),
			createErrs: []error{timeout},
			lookupErr:  domain.NewExchangeError(domain.ErrNotFound, "fake.LookupOrder", 404, "unknown"),
		}
		res := newEngine(ex).Execute(context.Background(), buyIntent(10))
		assert.Equal(t, domain.OrderErrNotSubmitted, res.ErrorCode)
		assert.Len(t, ex.requests, 1)
	})

	t.Run("lookup fails", func(t *testing.T) {
		ex := &fakeExchange{
			book:       testBook(),
			createErrs: []error{timeout},
			lookupErr:  domain.NewExchangeError(domain.ErrNetwork, "fake.LookupOrder", 0, "reset"),
		}
		res := newEngine(ex).Execute(context.Background(), buyIntent(10))
		assert.Equal(t, domain.OrderErrUnknown, res.ErrorCode)
	})
}

func TestExecute_RejectedAndRateLimited(t *testing.T) {
	ex := &fakeExchange{book: testBook(), createErrs: []error{
		domain.NewExchangeError(domain.ErrRejected, "fake.CreateOrder", 400, "invalid amount"),
	}}
	res := newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.Equal(t, domain.OrderErrRejected, res.ErrorCode)
	assert.Equal(t, domain.OrderTypeFOK, res.Type)

	ex = &fakeExchange{book: testBook(), createErrs: []error{
		domain.NewExchangeError(domain.ErrRateLimited, "fake.CreateOrder", 429, "slow down"),
	}}
	res = newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.Equal(t, domain.OrderErrRateLimited, res.ErrorCode)
}

func TestExecute_BookErrors(t *testing.T) {
	notFound := domain.NewExchangeError(domain.ErrNotFound, "fake.GetOrderBook", 404, "no book")

	ex := &fakeExchange{bookErr: notFound, tradeable: false}
	res := newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.Equal(t, domain.OrderErrMarketClosed, res.ErrorCode)

	ex = &fakeExchange{bookErr: notFound, tradeable: true}
	res = newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.Equal(t, domain.OrderErrBook, res.ErrorCode)
	assert.Equal(t, 0, ex.writes)

	// Con límite explícito se sigue con defaults.
	ex = &fakeExchange{bookErr: notFound}
	in := buyIntent(10)
	in.LimitPrice = 0.5
	res = newEngine(ex).Execute(context.Background(), in)
	assert.True(t, res.Success)
	assert.InDelta(t, 0.01, ex.requests[0].TickSize, 1e-9)
}

func TestExecute_NotFilledResultIsNotAnError(t *testing.T) {
	ex := &fakeExchange{book: testBook(), createRes: func(req domain.OrderRequest) domain.OrderResult {
		return domain.OrderResult{Status: domain.OrderStatusUnmatched, ErrorCode: domain.OrderErrNotFilled, ErrorMsg: "no match"}
	}}
	res := newEngine(ex).Execute(context.Background(), buyIntent(10))
	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderErrNotFilled, res.ErrorCode)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_CancelledContextStillResolvesInFlight(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	ctx, cancel := context.WithCancel(context.Background())
	e := newEngine(ex)
	// El book se lee antes de cancelar; el envío ya no depende de ctx.
	ex.createRes = func(req domain.OrderRequest) domain.OrderResult {
		cancel()
		return domain.OrderResult{Success: true, Status: domain.OrderStatusMatched, FilledShares: req.Shares, FilledPrice: req.Price}
	}
	res := e.Execute(ctx, buyIntent(10))
	assert.True(t, res.Filled())
}

func TestExecute_ForgetsOnlyFinishedOrders(t *testing.T) {
	ex := &fakeExchange{book: testBook()}
	eng := newEngine(ex)
	filled := eng.Execute(context.Background(), buyIntent(10))
	require.True(t, filled.Filled())

	maker := buyIntent(10)
	maker.Hint = domain.HintMaker
	maker.LimitPrice = 0.41
	ex.createRes = func(domain.OrderRequest) domain.OrderResult {
		return domain.OrderResult{ExchangeID: "0xgtc", Status: domain.OrderStatusLive, Success: true}
	}
	resting := eng.Execute(context.Background(), maker)
	require.True(t, resting.Resting())

	assert.Equal(t, []string{filled.ClientOrderID}, ex.forgotten, "la GTC viva se sigue consultando")
}
