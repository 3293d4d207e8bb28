// Package hub es el único dueño de la conexión upstream de mercado. Normaliza los
// frames en eventos tipados y los reparte a todos los bots suscritos.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	defaultBuffer         = 256
	defaultReconnectBase  = 500 * time.Millisecond
	defaultReconnectMax   = 30 * time.Second
	defaultReconnectMult  = 2.0
	defaultWalletPoll     = 5 * time.Second
	defaultMaxSignalAge   = 5 * time.Minute
	defaultWalletPageSize = 100
)

// Config controla buffers, backoff y el polling de wallets.
type Config struct {
	Buffer              int
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64
	WalletPoll          time.Duration
	MaxSignalAge        time.Duration
	WalletPageSize      int
}

func (c *Config) setDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = defaultReconnectMult
	}
	if c.WalletPoll <= 0 {
		c.WalletPoll = defaultWalletPoll
	}
	if c.MaxSignalAge <= 0 {
		c.MaxSignalAge = defaultMaxSignalAge
	}
	if c.WalletPageSize <= 0 {
		c.WalletPageSize = defaultWalletPageSize
	}
}

// FlashObserver recibe cada PriceTick; si devuelve true el hub publica el FlashMoveEvent.
type FlashObserver interface {
	Observe(t domain.PriceTick) (domain.FlashMoveEvent, bool)
	Forget(instrumentID string)
}

// Option configura el Hub.
type Option func(*Hub)

// WithLogger inyecta el logger; por defecto slog.Default().
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithFlashDetector conecta un detector compartido por todos los suscriptores.
func WithFlashDetector(f FlashObserver) Option { return func(h *Hub) { h.flash = f } }

// WithWalletSource habilita el watcher de wallets objetivo.
func WithWalletSource(src ports.WalletTradeSource) Option { return func(h *Hub) { h.trades = src } }

// Hub reparte eventos normalizados. El registro de suscriptores es la única
// estructura que mutan varias goroutines y vive bajo mu.
type Hub struct {
	cfg    Config
	dialer ports.FeedDialer
	trades ports.WalletTradeSource
	flash  FlashObserver
	logger *slog.Logger

	mu          sync.Mutex
	subs        map[string]*Subscription
	assetSubs   map[string]map[string]*Subscription
	walletSubs  map[string]map[string]*Subscription
	instruments map[string]*domain.TrackedInstrument
	conn        ports.FeedConn

	wake chan struct{}
}

// New crea un Hub. Run arranca la conexión.
func New(dialer ports.FeedDialer, cfg Config, opts ...Option) *Hub {
	cfg.setDefaults()
	h := &Hub{
		cfg:         cfg,
		dialer:      dialer,
		subs:        make(map[string]*Subscription),
		assetSubs:   make(map[string]map[string]*Subscription),
		walletSubs:  make(map[string]map[string]*Subscription),
		instruments: make(map[string]*domain.TrackedInstrument),
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Run mantiene la conexión upstream y el watcher de wallets hasta que ctx se cancela.
// Al salir cierra todas las suscripciones.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.runUpstream(gctx) })
	g.Go(func() error { return h.runWatcher(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("hub.Run: %w", err)
	}
	return nil
}

// Subscribe registra interés en instrumentos y wallets objetivo. name etiqueta las
// métricas de drops (normalmente el id del usuario).
func (h *Hub) Subscribe(ctx context.Context, name string, instrumentIDs, wallets []string) *Subscription {
	s := &Subscription{
		id:      uuid.NewString(),
		name:    name,
		hub:     h,
		ch:      make(chan domain.Event, h.cfg.Buffer),
		assets:  make(map[string]struct{}),
		wallets: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.subs[s.id] = s
	for _, w := range wallets {
		key := domain.WalletKey(w)
		if key == "" {
			continue
		}
		s.wallets[key] = struct{}{}
		if h.walletSubs[key] == nil {
			h.walletSubs[key] = make(map[string]*Subscription)
		}
		h.walletSubs[key][s.id] = s
	}
	added := h.addAssetsLocked(s, instrumentIDs)
	conn := h.conn
	h.mu.Unlock()

	metrics.HubSubscribers.Inc()
	h.logger.Debug("hub: subscribed", "sub", name, "instruments", len(instrumentIDs), "wallets", len(wallets))
	h.syncUpstream(ctx, conn, added, nil)
	return s
}

// Track registra los instrumentos de un mercado. Si ya existen no los pisa.
func (h *Hub) Track(m domain.Market) {
	now := time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ti := range domain.NewTrackedInstruments(m, now) {
		if _, ok := h.instruments[ti.InstrumentID]; !ok {
			h.instruments[ti.InstrumentID] = ti
		}
	}
}

// Instrument devuelve una copia del estado vivo de un instrumento.
func (h *Hub) Instrument(id string) (domain.TrackedInstrument, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ti, ok := h.instruments[id]
	if !ok {
		return domain.TrackedInstrument{}, false
	}
	return *ti, true
}

// Subscribers devuelve el número de suscripciones activas.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) addInstruments(ctx context.Context, s *Subscription, ids []string) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	added := h.addAssetsLocked(s, ids)
	conn := h.conn
	h.mu.Unlock()
	h.syncUpstream(ctx, conn, added, nil)
}

func (h *Hub) removeInstruments(ctx context.Context, s *Subscription, ids []string) {
	h.mu.Lock()
	removed := h.removeAssetsLocked(s, ids)
	conn := h.conn
	h.mu.Unlock()
	h.syncUpstream(ctx, conn, nil, removed)
}

func (h *Hub) unsubscribe(ctx context.Context, s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s.id)
	ids := make([]string, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	removed := h.removeAssetsLocked(s, ids)
	for w := range s.wallets {
		delete(h.walletSubs[w], s.id)
		if len(h.walletSubs[w]) == 0 {
			delete(h.walletSubs, w)
		}
	}
	conn := h.conn
	h.mu.Unlock()

	s.close()
	metrics.HubSubscribers.Dec()
	h.logger.Debug("hub: unsubscribed", "sub", s.name)
	h.syncUpstream(ctx, conn, nil, removed)
}

// addAssetsLocked devuelve los assets que pasaron de 0 a 1 suscriptor.
func (h *Hub) addAssetsLocked(s *Subscription, ids []string) []string {
	var added []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.assets[id]; ok {
			continue
		}
		s.assets[id] = struct{}{}
		if h.assetSubs[id] == nil {
			h.assetSubs[id] = make(map[string]*Subscription)
			added = append(added, id)
		}
		h.assetSubs[id][s.id] = s
	}
	if len(added) > 0 {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
	return added
}

// removeAssetsLocked devuelve los assets que se quedaron sin suscriptores.
func (h *Hub) removeAssetsLocked(s *Subscription, ids []string) []string {
	var removed []string
	for _, id := range ids {
		if _, ok := s.assets[id]; !ok {
			continue
		}
		delete(s.assets, id)
		delete(h.assetSubs[id], s.id)
		if len(h.assetSubs[id]) == 0 {
			delete(h.assetSubs, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// syncUpstream propaga altas y bajas a la conexión viva. Un fallo aquí se deja al
// read loop: si la conexión murió, la reconexión vuelve a suscribir todo.
func (h *Hub) syncUpstream(ctx context.Context, conn ports.FeedConn, added, removed []string) {
	if conn == nil {
		return
	}
	if len(added) > 0 {
		if err := conn.Subscribe(ctx, added); err != nil {
			h.logger.Warn("hub: upstream subscribe failed", "assets", len(added), "err", err)
		}
	}
	if len(removed) > 0 {
		if err := conn.Unsubscribe(ctx, removed); err != nil {
			h.logger.Warn("hub: upstream unsubscribe failed", "assets", len(removed), "err", err)
		}
	}
}

// publish actualiza el estado de los instrumentos y entrega ev a cada suscriptor
// interesado exactamente una vez.
func (h *Hub) publish(ev domain.Event) {
	h.mu.Lock()
	h.applyLocked(ev)
	targets := h.routeLocked(ev)
	h.mu.Unlock()

	metrics.HubEvents.WithLabelValues(ev.Kind().String()).Inc()
	for _, s := range targets {
		s.push(ev)
	}
}

func (h *Hub) applyLocked(ev domain.Event) {
	switch e := ev.(type) {
	case domain.PriceTick:
		if ti, ok := h.instruments[e.InstrumentID]; ok {
			ti.Apply(e)
		}
	case domain.BookSnapshot:
		if ti, ok := h.instruments[e.Book.TokenID]; ok {
			ti.Apply(e)
		}
	case domain.TickSizeChange:
		if ti, ok := h.instruments[e.InstrumentID]; ok {
			ti.Apply(e)
		}
	case domain.MarketResolved:
		for _, id := range h.resolvedIDsLocked(e) {
			if ti, ok := h.instruments[id]; ok {
				ti.Apply(e)
			}
		}
	}
}

// resolvedIDsLocked devuelve los instrumentos de un mercado resuelto. Un frame
// que solo trae el market id se resuelve con los instrumentos seguidos.
func (h *Hub) resolvedIDsLocked(e domain.MarketResolved) []string {
	ids := append([]string(nil), e.InstrumentIDs...)
	if e.MarketID == "" {
		return ids
	}
	for id, ti := range h.instruments {
		if ti.MarketID == e.MarketID && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *Hub) routeLocked(ev domain.Event) []*Subscription {
	switch e := ev.(type) {
	case domain.PriceTick:
		return collect(h.assetSubs[e.InstrumentID])
	case domain.BookSnapshot:
		return collect(h.assetSubs[e.Book.TokenID])
	case domain.TickSizeChange:
		return collect(h.assetSubs[e.InstrumentID])
	case domain.FlashMoveEvent:
		return collect(h.assetSubs[e.InstrumentID])
	case domain.WalletTrade:
		return collect(h.walletSubs[domain.WalletKey(e.Wallet)])
	case domain.MarketResolved:
		// Un mismo suscriptor puede tener YES y NO: se entrega una sola vez.
		seen := make(map[string]struct{})
		var out []*Subscription
		for _, id := range h.resolvedIDsLocked(e) {
			for sid, s := range h.assetSubs[id] {
				if _, dup := seen[sid]; dup {
					continue
				}
				seen[sid] = struct{}{}
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func collect(m map[string]*Subscription) []*Subscription {
	if len(m) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := collect(h.subs)
	h.mu.Unlock()
	for _, s := range subs {
		h.unsubscribe(context.Background(), s)
	}
}
