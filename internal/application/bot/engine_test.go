package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/application/hub"
	"github.com/alejandrodnm/polycopy/internal/application/marketmaking"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// --- fakes ---

type fakeExchange struct {
	mu        sync.Mutex
	balances  map[string]float64
	tokens    map[string]float64 // wallet|instrument
	tokenErr  error
	markets   map[string]domain.Market
	books     map[string]domain.OrderBook
	cancelled []string
	lookups   map[string]domain.OrderResult
	forgotten []string
	deadlines []bool // una entrada por lectura: ¿llevaba deadline?
}

func (f *fakeExchange) noteDeadline(ctx context.Context) {
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		balances: map[string]float64{"0xme": 100, "0xWhale": 950},
		tokens:   map[string]float64{},
		markets:  map[string]domain.Market{"mkt": testMarket()},
		books:    map[string]domain.OrderBook{},
		lookups:  map[string]domain.OrderResult{},
	}
}

func testMarket() domain.Market {
	return domain.Market{
		ConditionID: "mkt",
		Tokens: [2]domain.Token{
			{TokenID: "yes", Outcome: "Yes"},
			{TokenID: "no", Outcome: "No"},
		},
		TickSize:     0.01,
		MinOrderSize: 5,
		Active:       true,
	}
}

func (f *fakeExchange) GetOrderBook(_ context.Context, id string) (domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[id]
	if !ok {
		return domain.OrderBook{}, domain.NewExchangeError(domain.ErrNotFound, "fake.GetOrderBook", 404, id)
	}
	return b, nil
}

func (f *fakeExchange) GetOrderBooks(ctx context.Context, ids []string) (map[string]domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noteDeadline(ctx)
	out := make(map[string]domain.OrderBook)
	for _, id := range ids {
		if b, ok := f.books[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (f *fakeExchange) CreateOrder(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, errors.New("not used")
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeExchange) LookupOrder(_ context.Context, clientID string) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.lookups[clientID]; ok {
		return r, nil
	}
	return domain.OrderResult{Success: true, Status: domain.OrderStatusLive}, nil
}

func (f *fakeExchange) Forget(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, clientID)
}

func (f *fakeExchange) Reauthenticate(context.Context) error { return nil }

func (f *fakeExchange) GetBalance(ctx context.Context, addr string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noteDeadline(ctx)
	b, ok := f.balances[addr]
	if !ok {
		return 0, domain.NewExchangeError(domain.ErrNotFound, "fake.GetBalance", 404, addr)
	}
	return b, nil
}

func (f *fakeExchange) TokenBalance(ctx context.Context, addr, id string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noteDeadline(ctx)
	if f.tokenErr != nil {
		return 0, f.tokenErr
	}
	return f.tokens[addr+"|"+id], nil
}

func (f *fakeExchange) IsMarketTradeable(_ context.Context, id string) (bool, error) {
	m, err := f.GetMarket(context.Background(), id)
	if err != nil {
		return false, err
	}
	return m.Tradeable(), nil
}

func (f *fakeExchange) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noteDeadline(ctx)
	m, ok := f.markets[id]
	if !ok {
		return domain.Market{}, domain.NewExchangeError(domain.ErrNotFound, "fake.GetMarket", 404, id)
	}
	return m, nil
}

// fakeExec llena todo al precio configurado salvo que result diga otra cosa.
type fakeExec struct {
	mu        sync.Mutex
	intents   []domain.OrderIntent
	fillPrice float64
	result    func(in domain.OrderIntent) domain.OrderResult
}

func (f *fakeExec) Execute(_ context.Context, in domain.OrderIntent) domain.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	n := len(f.intents)
	if f.result != nil {
		return f.result(in)
	}
	res := domain.OrderResult{
		ClientOrderID: fmt.Sprintf("c-%d", n),
		ExchangeID:    fmt.Sprintf("ex-%d", n),
		UserID:        in.UserID,
		InstrumentID:  in.InstrumentID,
		MarketID:      in.MarketID,
		Side:          in.Side,
		RequestedSize: in.Shares,
		Success:       true,
		CompletedAt:   time.Now().UTC(),
	}
	if in.Hint == domain.HintMaker {
		res.Type = domain.OrderTypeGTC
		res.Status = domain.OrderStatusLive
		res.RequestedPrice = in.LimitPrice
		return res
	}
	price := f.fillPrice
	if price == 0 {
		price = 0.5
	}
	res.Type = domain.OrderTypeFOK
	res.Status = domain.OrderStatusMatched
	res.FilledShares = in.Shares
	res.FilledPrice = price
	return res
}

func (f *fakeExec) calls() []domain.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderIntent(nil), f.intents...)
}

type fakeEmitter struct {
	mu        sync.Mutex
	results   []domain.OrderResult
	inventory []domain.InventoryState
}

func (f *fakeEmitter) EmitOrderResult(r domain.OrderResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
}

func (f *fakeEmitter) EmitInventory(s domain.InventoryState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory = append(f.inventory, s)
}

type fakeSnaps struct {
	states []domain.InventoryState
	err    error
}

func (f fakeSnaps) LoadInventory(context.Context, string) ([]domain.InventoryState, error) {
	return f.states, f.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	fills   int
	flashes int
	halts   []string
}

func (f *fakeNotifier) NotifyFill(context.Context, domain.OrderResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills++
	return nil
}

func (f *fakeNotifier) NotifyFlash(context.Context, domain.FlashMoveEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flashes++
	return nil
}

func (f *fakeNotifier) NotifyHalt(_ context.Context, _ string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts = append(f.halts, reason)
	return nil
}

func (f *fakeNotifier) Report(context.Context, []domain.BotStats) error { return nil }

// --- harness ---

type env struct {
	hub   *hub.Hub
	ex    *fakeExchange
	exec  *fakeExec
	sink  *fakeEmitter
	notes *fakeNotifier
	snaps fakeSnaps
}

func baseConfig() Config {
	return Config{
		UserID:      "alice",
		Address:     "0xme",
		Targets:     []string{"0xwhale"},
		Multiplier:  1,
		MinShares:   5,
		USDFloor:    1,
		MaxFailures: 5,
		Cooldown:    time.Hour,
	}
}

func newTestEngine(t *testing.T, mod func(*Config, *env)) (*Engine, *env) {
	t.Helper()
	v := &env{
		hub:   hub.New(nil, hub.Config{}),
		ex:    newFakeExchange(),
		exec:  &fakeExec{},
		sink:  &fakeEmitter{},
		notes: &fakeNotifier{},
	}
	cfg := baseConfig()
	if mod != nil {
		mod(&cfg, v)
	}
	e, err := New(cfg, Deps{
		Hub:       v.hub,
		Exchange:  v.ex,
		Executor:  v.exec,
		Emitter:   v.sink,
		Snapshots: v.snaps,
		Notifier:  v.notes,
		MarketMaking: marketmaking.Config{
			Thresholds:    domain.DefaultLiquidityThresholds(),
			Skew:          domain.SkewParams{NeutralBand: 50, SkewPerShare: 0.0002, MaxSkew: 0.03},
			SkewThreshold: 0.005,
			QuoteShares:   10,
			Refresh:       15 * time.Second,
		},
	})
	require.NoError(t, err)
	return e, v
}

func whaleTrade(tx string, side domain.Side, size, price float64) domain.WalletTrade {
	return domain.WalletTrade{
		Wallet:       "0xWhale",
		TxHash:       tx,
		InstrumentID: "yes",
		MarketID:     "mkt",
		Outcome:      domain.OutcomeYes,
		Side:         side,
		Price:        price,
		Size:         size,
		Timestamp:    time.Now(),
	}
}

func holding(shares, entry float64) fakeSnaps {
	return fakeSnaps{states: []domain.InventoryState{{
		UserID:       "alice",
		InstrumentID: "yes",
		MarketID:     "mkt",
		Outcome:      domain.OutcomeYes,
		Shares:       shares,
		EntryPrice:   entry,
	}}}
}

// --- New ---

func TestNew_RejectsInvalidConfig(t *testing.T) {
	deps := Deps{Hub: hub.New(nil, hub.Config{}), Exchange: newFakeExchange(), Executor: &fakeExec{}, Emitter: &fakeEmitter{}}

	_, err := New(Config{Multiplier: 1}, deps)
	assert.Error(t, err)

	_, err = New(Config{UserID: "a", Multiplier: 0}, deps)
	assert.Error(t, err)

	_, err = New(Config{UserID: "a", Multiplier: 1}, Deps{})
	assert.Error(t, err)
}

// --- copy trading ---

func TestCopyBuy_SizesProportionally(t *testing.T) {
	e, v := newTestEngine(t, nil)
	ctx := context.Background()

	// ratio = 100 / (950 + 50) = 0.1 → $5 → 10 shares a 0.50
	e.handle(ctx, whaleTrade("0x1", domain.SideBuy, 100, 0.5))

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	in := calls[0]
	assert.Equal(t, domain.SideBuy, in.Side)
	assert.Equal(t, 10.0, in.Shares)
	assert.Equal(t, "yes", in.InstrumentID)
	assert.Equal(t, "mkt", in.MarketID)
	assert.Equal(t, "alice", in.UserID)
	assert.Equal(t, reasonCopy, in.Reason)

	assert.Equal(t, 10.0, e.inv.Shares("yes"))
	require.Len(t, v.sink.results, 1)
	require.Len(t, v.sink.inventory, 1)
	assert.Equal(t, domain.OutcomeYes, v.sink.inventory[0].Outcome)
	assert.Equal(t, 1, v.notes.fills)

	st := e.Stats()
	assert.Equal(t, 1, st.SignalsSeen)
	assert.Equal(t, 1, st.OrdersSubmitted)
	assert.Equal(t, 1, st.OrdersFilled)
	assert.InDelta(t, 5.0, st.VolumeUSD, 1e-9)
	assert.Equal(t, 1, st.OpenPositions)
}

func TestCopyBuy_DuplicateSignalExecutesOnce(t *testing.T) {
	e, v := newTestEngine(t, nil)
	ctx := context.Background()

	wt := whaleTrade("0xdup", domain.SideBuy, 100, 0.5)
	e.handle(ctx, wt)
	e.handle(ctx, wt)

	assert.Len(t, v.exec.calls(), 1)
	st := e.Stats()
	assert.Equal(t, 1, st.SignalsSeen)
	assert.Equal(t, 1, st.SignalsDeduped)
}

func TestCopyBuy_SizingRejectionSkipsOrder(t *testing.T) {
	e, v := newTestEngine(t, func(_ *Config, v *env) { v.ex.balances["0xme"] = 0.5 })

	e.handle(context.Background(), whaleTrade("0x1", domain.SideBuy, 100, 0.5))

	assert.Empty(t, v.exec.calls())
	assert.Equal(t, 1, e.Stats().SizingRejected)
	assert.Empty(t, v.sink.results)
}

func TestCopyBuy_BalanceFailureSkipsSignal(t *testing.T) {
	e, v := newTestEngine(t, func(_ *Config, v *env) { delete(v.ex.balances, "0xWhale") })

	e.handle(context.Background(), whaleTrade("0x1", domain.SideBuy, 100, 0.5))

	assert.Empty(t, v.exec.calls())
	assert.Equal(t, 1, e.Stats().SignalsSeen)
}

func TestCopyBuy_UnknownMarketSkipsSignal(t *testing.T) {
	e, v := newTestEngine(t, nil)
	wt := whaleTrade("0x1", domain.SideBuy, 100, 0.5)
	wt.MarketID = "missing"
	wt.InstrumentID = "other"

	e.handle(context.Background(), wt)

	assert.Empty(t, v.exec.calls())
}

func TestCopyBuy_UsesBestAskWhenKnown(t *testing.T) {
	e, v := newTestEngine(t, nil)
	v.hub.Track(testMarket())
	// ratio 0.1 → $5; con best ask 0.25 son 20 shares
	ti, ok := v.hub.Instrument("yes")
	require.True(t, ok)
	ti.BestAsk = 0.25
	e.hub = staticSource{Source: v.hub, ti: ti}

	e.handle(context.Background(), whaleTrade("0x1", domain.SideBuy, 100, 0.5))

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 20.0, calls[0].Shares)
}

// staticSource devuelve un instrumento fijo.
type staticSource struct {
	Source
	ti domain.TrackedInstrument
}

func (s staticSource) Instrument(id string) (domain.TrackedInstrument, bool) {
	if id == s.ti.InstrumentID {
		return s.ti, true
	}
	return s.Source.Instrument(id)
}

func TestCopyExit_SellsTraderFraction(t *testing.T) {
	e, v := newTestEngine(t, func(_ *Config, v *env) {
		v.snaps = holding(20, 0.4)
		v.ex.tokens["0xWhale|yes"] = 50 // tenía 100, vendió 50
	})
	ctx := context.Background()
	require.NoError(t, e.restore(ctx))

	e.handle(ctx, whaleTrade("0x2", domain.SideSell, 50, 0.5))

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.SideSell, calls[0].Side)
	assert.Equal(t, 10.0, calls[0].Shares)
	assert.Equal(t, reasonExit, calls[0].Reason)
	assert.Equal(t, 10.0, e.inv.Shares("yes"))
	assert.InDelta(t, 1.0, e.Stats().RealizedPnL, 1e-9)
}

func TestCopyExit_UnknownTraderPositionExitsFully(t *testing.T) {
	e, v := newTestEngine(t, func(_ *Config, v *env) {
		v.snaps = holding(20, 0.4)
		v.ex.tokenErr = domain.NewExchangeError(domain.ErrNetwork, "fake.TokenBalance", 0, "down")
	})
	ctx := context.Background()
	require.NoError(t, e.restore(ctx))

	e.handle(ctx, whaleTrade("0x2", domain.SideSell, 50, 0.5))

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 20.0, calls[0].Shares)
	assert.Zero(t, e.inv.Shares("yes"))
	assert.Zero(t, e.Stats().OpenPositions)
}

func TestCopyExit_NeverSellsMoreThanHeld(t *testing.T) {
	e, v := newTestEngine(t, func(_ *Config, v *env) {
		v.snaps = holding(7, 0.4)
		v.ex.tokens["0xWhale|yes"] = 0 // vendió todo
	})
	ctx := context.Background()
	require.NoError(t, e.restore(ctx))

	e.handle(ctx, whaleTrade("0x2", domain.SideSell, 500, 0.5))

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 7.0, calls[0].Shares)
}

func TestCopyExit_SmallFractionBumpsToMinimum(t *testing.T) {
	e, v := newTestEngine(t, func(_ *Config, v *env) {
		v.snaps = holding(20, 0.4)
		v.ex.tokens["0xWhale|yes"] = 990 // vendió el 1%
	})
	ctx := context.Background()
	require.NoError(t, e.restore(ctx))

	e.handle(ctx, whaleTrade("0x2", domain.SideSell, 10, 0.5))

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 5.0, calls[0].Shares, "bump al mínimo del mercado")
}

func TestCopyExit_DustBelowMinimumIsKept(t *testing.T) {
	e, v := newTestEngine(t, func(_ *Config, v *env) { v.snaps = holding(3, 0.4) })
	ctx := context.Background()
	require.NoError(t, e.restore(ctx))

	e.handle(ctx, whaleTrade("0x2", domain.SideSell, 50, 0.5))

	assert.Empty(t, v.exec.calls())
	assert.Equal(t, 3.0, e.inv.Shares("yes"))
}

func TestCopyExit_WithoutPositionDoesNothing(t *testing.T) {
	e, v := newTestEngine(t, nil)

	e.handle(context.Background(), whaleTrade("0x2", domain.SideSell, 50, 0.5))

	assert.Empty(t, v.exec.calls())
	assert.Equal(t, 1, e.Stats().SignalsSeen)
}

// --- flash ---

func flashUp() domain.FlashMoveEvent {
	return domain.FlashMoveEvent{
		InstrumentID: "yes",
		MarketID:     "mkt",
		OldPrice:     0.40,
		NewPrice:     0.50,
		Velocity:     0.25,
		Confidence:   0.9,
		Timestamp:    time.Now(),
	}
}

func TestFlash_NotifiesWithoutTradingByDefault(t *testing.T) {
	e, v := newTestEngine(t, nil)

	e.handle(context.Background(), flashUp())

	assert.Empty(t, v.exec.calls())
	assert.Equal(t, 1, v.notes.flashes)
	assert.Equal(t, 1, e.Stats().FlashEvents)
}

func TestFlash_BuysFixedAmountWhenEnabled(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, _ *env) {
		c.FlashTrading = true
		c.FlashTradeUSD = 5
	})

	e.handle(context.Background(), flashUp())

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.SideBuy, calls[0].Side)
	assert.Equal(t, 10.0, calls[0].Shares, "$5 a 0.50")
	assert.Equal(t, reasonFlash, calls[0].Reason)
}

func TestFlash_DownMoveDoesNotTrade(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, _ *env) {
		c.FlashTrading = true
		c.FlashTradeUSD = 5
	})
	ev := flashUp()
	ev.OldPrice, ev.NewPrice = 0.5, 0.4

	e.handle(context.Background(), ev)

	assert.Empty(t, v.exec.calls())
	assert.Equal(t, 1, e.Stats().FlashEvents)
}

// --- circuit breaker ---

func TestBreaker_ConsecutiveFailuresPauseTrading(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, v *env) {
		c.MaxFailures = 2
		v.exec.result = func(in domain.OrderIntent) domain.OrderResult {
			return domain.Failure(in, domain.OrderErrNetwork, "timeout")
		}
	})
	ctx := context.Background()

	e.handle(ctx, whaleTrade("0x1", domain.SideBuy, 100, 0.5))
	e.handle(ctx, whaleTrade("0x2", domain.SideBuy, 100, 0.5))
	e.handle(ctx, whaleTrade("0x3", domain.SideBuy, 100, 0.5))

	assert.Len(t, v.exec.calls(), 2, "el tercer signal cae en cooldown")
	st := e.Stats()
	assert.Equal(t, 2, st.OrdersFailed)
	assert.Equal(t, 3, st.SignalsSeen)
	assert.False(t, st.Halted, "cooldown no es halt")
	assert.Empty(t, v.sink.inventory)
}

func TestBreaker_ExpectedRejectionsDoNotCount(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, v *env) {
		c.MaxFailures = 1
		v.exec.result = func(in domain.OrderIntent) domain.OrderResult {
			return domain.Failure(in, domain.OrderErrNoLiquidity, "empty book")
		}
	})
	ctx := context.Background()

	e.handle(ctx, whaleTrade("0x1", domain.SideBuy, 100, 0.5))
	e.handle(ctx, whaleTrade("0x2", domain.SideBuy, 100, 0.5))

	assert.Len(t, v.exec.calls(), 2)
	assert.Zero(t, e.Stats().OrdersFailed)
}

func TestBreaker_DrawdownHaltsUser(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, v *env) {
		c.MaxDrawdown = 1
		v.snaps = holding(20, 0.5)
		v.exec.fillPrice = 0.4
		v.ex.tokenErr = errors.New("unknown")
	})
	ctx := context.Background()
	require.NoError(t, e.restore(ctx))

	// vende 20 a 0.40 con entrada 0.50: -2 USDC
	e.handle(ctx, whaleTrade("0x2", domain.SideSell, 50, 0.4))

	st := e.Stats()
	assert.True(t, st.Halted)
	assert.NotEmpty(t, st.HaltReason)
	assert.InDelta(t, -2.0, st.RealizedPnL, 1e-9)
	require.Len(t, v.notes.halts, 1)
	assert.True(t, e.halted())
}

func TestBreaker_PullsQuotesDuringCooldown(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, _ *env) {
		c.MarketMaking = true
		c.Markets = []string{"mkt"}
		c.MaxFailures = 1
	})
	ctx := context.Background()
	e.discover(ctx)
	e.handle(ctx, domain.BookSnapshot{Book: mediumBook("yes")})
	require.Equal(t, 1, e.mm.Resting())

	v.exec.result = func(in domain.OrderIntent) domain.OrderResult {
		return domain.Failure(in, domain.OrderErrNetwork, "timeout")
	}
	e.handle(ctx, whaleTrade("0x1", domain.SideBuy, 100, 0.5))
	require.False(t, e.breaker.IsOpen())
	assert.Equal(t, []string{"ex-1"}, v.ex.cancelled, "el breaker retira el quote vivo")
	assert.Zero(t, e.mm.Resting())

	v.exec.result = nil
	before := len(v.exec.calls())
	e.handle(ctx, domain.BookSnapshot{Book: mediumBook("yes")})
	assert.Len(t, v.exec.calls(), before, "en cooldown no se colocan quotes")
	assert.Zero(t, e.mm.Resting())

	e.breaker.CooldownUntil = time.Now().Add(-time.Second)
	e.handle(ctx, domain.BookSnapshot{Book: mediumBook("yes")})
	calls := v.exec.calls()
	require.Len(t, calls, before+1)
	assert.Equal(t, domain.HintMaker, calls[before].Hint)
	assert.Equal(t, 1, e.mm.Resting())
}

// --- exchange reads ---

func TestExchangeReadsCarryDeadline(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, v *env) {
		c.Markets = []string{"mkt"}
		v.snaps = holding(20, 0.4)
	})
	ctx := context.Background()
	require.NoError(t, e.restore(ctx))
	e.discover(ctx)

	e.handle(ctx, whaleTrade("0x1", domain.SideBuy, 100, 0.5))
	e.handle(ctx, whaleTrade("0x2", domain.SideSell, 50, 0.5))

	v.ex.mu.Lock()
	defer v.ex.mu.Unlock()
	require.Len(t, v.ex.deadlines, 4, "market, dos balances y la posición del trader")
	for i, ok := range v.ex.deadlines {
		assert.True(t, ok, "lectura %d sin deadline", i)
	}
}

// --- lifecycle ---

func TestRun_RestoreErrorIsFatal(t *testing.T) {
	e, _ := newTestEngine(t, func(_ *Config, v *env) { v.snaps = fakeSnaps{err: errors.New("db down")} })

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore inventory")
}

func TestRun_StopsOnCancelAndUnsubscribes(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, _ *env) { c.Markets = []string{"mkt", "missing"} })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return v.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := v.hub.Instrument("yes")
	assert.True(t, ok, "los mercados configurados se registran en el hub")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Zero(t, v.hub.Subscribers())
	assert.False(t, e.Stats().StartedAt.IsZero())
}

// --- market making ---

// bid 0.40 con $600 de profundidad, ask 0.43: MEDIUM.
func mediumBook(id string) domain.OrderBook {
	return domain.OrderBook{
		TokenID:  id,
		MarketID: "mkt",
		Bids:     []domain.BookEntry{{Price: 0.40, Size: 1500}},
		Asks:     []domain.BookEntry{{Price: 0.43, Size: 200}},
		TickSize: 0.01,
	}
}

func TestMarketMaking_BookQuotesAndResolutionRetires(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, _ *env) {
		c.MarketMaking = true
		c.Markets = []string{"mkt"}
	})
	ctx := context.Background()
	ids := e.discover(ctx)
	assert.ElementsMatch(t, []string{"yes", "no"}, ids)

	e.handle(ctx, domain.BookSnapshot{Book: mediumBook("yes")})

	calls := v.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.HintMaker, calls[0].Hint)
	assert.Equal(t, domain.SideBuy, calls[0].Side)
	st := e.Stats()
	assert.Equal(t, 1, st.QuotesPlaced)
	assert.Equal(t, 1, st.OrdersSubmitted)
	assert.Zero(t, st.OrdersFilled)
	assert.Empty(t, v.sink.inventory, "un quote resting no mueve inventario")

	e.handle(ctx, domain.MarketResolved{MarketID: "mkt"})

	assert.Equal(t, []string{"ex-1"}, v.ex.cancelled)
	assert.Zero(t, e.mm.Resting())
}

func TestMarketMaking_RestingFillFoundOnSync(t *testing.T) {
	e, v := newTestEngine(t, func(c *Config, _ *env) {
		c.MarketMaking = true
		c.Markets = []string{"mkt"}
	})
	ctx := context.Background()
	e.discover(ctx)
	e.handle(ctx, domain.BookSnapshot{Book: mediumBook("yes")})
	require.Len(t, v.exec.calls(), 1)

	v.ex.mu.Lock()
	v.ex.lookups["c-1"] = domain.OrderResult{
		ClientOrderID: "c-1",
		ExchangeID:    "ex-1",
		Success:       true,
		Status:        domain.OrderStatusMatched,
		FilledShares:  10,
		FilledPrice:   0.41,
	}
	v.ex.mu.Unlock()

	e.syncQuotes(ctx)

	assert.Equal(t, 10.0, e.inv.Shares("yes"))
	st := e.Stats()
	assert.Equal(t, 1, st.OrdersSubmitted, "un fill de un quote no es una orden nueva")
	require.NotEmpty(t, v.sink.inventory)
}

func TestMarketMaking_DisabledIgnoresBooks(t *testing.T) {
	e, v := newTestEngine(t, nil)

	e.handle(context.Background(), domain.BookSnapshot{Book: mediumBook("yes")})

	assert.Empty(t, v.exec.calls())
	assert.Nil(t, e.mm)
}

// --- supervisor ---

func TestSupervisor_FailedUserDoesNotStopOthers(t *testing.T) {
	good, _ := newTestEngine(t, nil)
	bad, _ := newTestEngine(t, func(c *Config, v *env) {
		c.UserID = "bob"
		v.snaps = fakeSnaps{err: errors.New("db down")}
	})
	s := NewSupervisor(nil, good, bad)
	assert.Equal(t, 2, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return !good.Stats().StartedAt.IsZero() }, time.Second, 5*time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bob")

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "alice", stats[0].UserID)
	assert.False(t, stats[0].Halted)
	assert.Equal(t, "bob", stats[1].UserID)
	assert.True(t, stats[1].Halted)
	assert.Contains(t, stats[1].HaltReason, "startup")
}

var _ ports.Exchange = (*fakeExchange)(nil)
