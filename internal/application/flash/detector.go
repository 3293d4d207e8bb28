package flash

// detector.go: detección de flash moves por instrumento.
//
// Máquina de estados por instrumento:
//   IDLE → ACCUMULATING → TRIGGERED → COOLDOWN → IDLE
//
// La ventana se mide con los timestamps de los ticks, no con el reloj local, para que
// un backlog de frames procesado tarde no genere velocidades falsas.

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
)

// State es el estado del detector para un instrumento.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateTriggered
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateTriggered:
		return "triggered"
	case StateCooldown:
		return "cooldown"
	}
	return "idle"
}

// Motivos de descarte de ticks.
const (
	DiscardInvalidPrice = "invalid_price"
	DiscardNoTimestamp  = "no_timestamp"
	DiscardStale        = "stale"
	DiscardFuture       = "future"
)

const (
	futureSkew      = 5 * time.Second
	velocityWeight  = 0.5
	volumeWeight    = 0.3
	recencyWeight   = 0.2
	recencyCooldown = 10
)

// Config son los umbrales del detector.
type Config struct {
	Window              time.Duration // ventana rolling, p. ej. 60s
	VelocityThreshold   float64       // cambio relativo mínimo dentro de la ventana (0.03 = 3%)
	ConfidenceThreshold float64       // [0,1]
	Cooldown            time.Duration
	MaxTickAge          time.Duration // respecto al tick más nuevo del instrumento
	VolumeReference     float64       // USDC en la ventana que dan confianza plena de volumen
}

// DefaultConfig devuelve 3%/60s, confianza 0.7 y 2 minutos de cooldown.
func DefaultConfig() Config {
	return Config{
		Window:              60 * time.Second,
		VelocityThreshold:   0.03,
		ConfidenceThreshold: 0.7,
		Cooldown:            2 * time.Minute,
		MaxTickAge:          30 * time.Second,
		VolumeReference:     1000,
	}
}

type sample struct {
	price    float64
	notional float64
	ts       time.Time
}

type instrumentState struct {
	marketID      string
	samples       []sample
	newest        time.Time
	lastFlash     time.Time
	cooldownUntil time.Time // en tiempo de ticks
	cooldownWall  time.Time // en reloj local, para salir de cooldown sin ticks nuevos
	state         State
}

// expireCooldown pasa a IDLE cuando vence el cooldown en cualquiera de los dos relojes.
func (st *instrumentState) expireCooldown(now time.Time) {
	if st.state != StateCooldown {
		return
	}
	if !st.newest.Before(st.cooldownUntil) || !now.Before(st.cooldownWall) {
		st.state = StateIdle
	}
}

// Detector mantiene una ventana por instrumento y emite FlashMoveEvents.
// Es seguro para uso concurrente.
type Detector struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	instruments map[string]*instrumentState
	discarded   map[string]int
}

// New crea un detector. Los campos no positivos de cfg toman el valor por defecto.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = def.VelocityThreshold
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxTickAge <= 0 {
		cfg.MaxTickAge = def.MaxTickAge
	}
	if cfg.VolumeReference <= 0 {
		cfg.VolumeReference = def.VolumeReference
	}
	return &Detector{
		cfg:         cfg,
		now:         time.Now,
		instruments: make(map[string]*instrumentState),
		discarded:   make(map[string]int),
	}
}

// Observe procesa un tick. Devuelve el evento y true solo en el tick que cruza los umbrales.
func (d *Detector) Observe(t domain.PriceTick) (domain.FlashMoveEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if reason := d.validate(t); reason != "" {
		d.discard(reason)
		return domain.FlashMoveEvent{}, false
	}

	st, ok := d.instruments[t.InstrumentID]
	if !ok {
		st = &instrumentState{marketID: t.MarketID}
		d.instruments[t.InstrumentID] = st
	}
	if !st.newest.IsZero() && t.Timestamp.Before(st.newest.Add(-d.cfg.MaxTickAge)) {
		d.discard(DiscardStale)
		return domain.FlashMoveEvent{}, false
	}
	if t.Timestamp.After(st.newest) {
		st.newest = t.Timestamp
	}
	if st.marketID == "" {
		st.marketID = t.MarketID
	}

	st.insert(sample{price: t.Price, notional: t.Notional(), ts: t.Timestamp})
	st.evict(st.newest.Add(-d.cfg.Window))

	st.expireCooldown(d.now())
	if st.state == StateCooldown {
		return domain.FlashMoveEvent{}, false
	}
	if len(st.samples) < 2 {
		st.state = StateIdle
		return domain.FlashMoveEvent{}, false
	}
	st.state = StateAccumulating

	oldest, latest := st.samples[0], st.samples[len(st.samples)-1]
	velocity := (latest.price - oldest.price) / oldest.price
	volume := st.volume()
	confidence := d.confidence(velocity, volume, st, latest.ts)

	if math.Abs(velocity) < d.cfg.VelocityThreshold || confidence < d.cfg.ConfidenceThreshold {
		return domain.FlashMoveEvent{}, false
	}

	ev := domain.FlashMoveEvent{
		InstrumentID: t.InstrumentID,
		MarketID:     st.marketID,
		OldPrice:     oldest.price,
		NewPrice:     latest.price,
		Velocity:     velocity,
		Confidence:   confidence,
		WindowVolume: volume,
		Timestamp:    latest.ts,
	}

	// TRIGGERED dura un solo tick: se emite y se pasa a cooldown con la ventana
	// reiniciada en el precio del disparo.
	st.lastFlash = latest.ts
	st.cooldownUntil = latest.ts.Add(d.cfg.Cooldown)
	st.cooldownWall = d.now().Add(d.cfg.Cooldown)
	st.samples = []sample{latest}
	st.state = StateCooldown

	metrics.FlashEvents.WithLabelValues(string(ev.Direction())).Inc()
	return ev, true
}

// State devuelve el estado actual de un instrumento.
func (d *Detector) State(instrumentID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.instruments[instrumentID]
	if !ok {
		return StateIdle
	}
	st.expireCooldown(d.now())
	return st.state
}

// Discarded devuelve cuántos ticks se descartaron por motivo.
func (d *Detector) Discarded() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.discarded))
	for k, v := range d.discarded {
		out[k] = v
	}
	return out
}

// Forget descarta el estado de un instrumento retirado.
func (d *Detector) Forget(instrumentID string) {
	d.mu.Lock()
	delete(d.instruments, instrumentID)
	d.mu.Unlock()
}

func (d *Detector) validate(t domain.PriceTick) string {
	switch {
	case math.IsNaN(t.Price) || t.Price <= 0 || t.Price > 1:
		return DiscardInvalidPrice
	case t.Timestamp.IsZero():
		return DiscardNoTimestamp
	case t.Timestamp.After(d.now().Add(futureSkew)):
		return DiscardFuture
	}
	return ""
}

func (d *Detector) discard(reason string) {
	d.discarded[reason]++
	metrics.FlashDiscarded.WithLabelValues(reason).Inc()
}

// confidence mezcla magnitud de la velocidad, volumen en la ventana y tiempo desde el último flash.
func (d *Detector) confidence(velocity, volume float64, st *instrumentState, at time.Time) float64 {
	vel := math.Min(1, math.Abs(velocity)/d.cfg.VelocityThreshold/2)
	vol := math.Min(1, volume/d.cfg.VolumeReference)
	rec := 1.0
	if !st.lastFlash.IsZero() {
		recency := time.Duration(recencyCooldown) * d.cfg.Cooldown
		rec = math.Min(1, float64(at.Sub(st.lastFlash))/float64(recency))
	}
	return velocityWeight*vel + volumeWeight*vol + recencyWeight*rec
}

// insert mantiene las muestras ordenadas por timestamp; lo normal es append al final.
func (st *instrumentState) insert(s sample) {
	n := len(st.samples)
	if n == 0 || !s.ts.Before(st.samples[n-1].ts) {
		st.samples = append(st.samples, s)
		return
	}
	i := sort.Search(n, func(i int) bool { return st.samples[i].ts.After(s.ts) })
	st.samples = append(st.samples, sample{})
	copy(st.samples[i+1:], st.samples[i:])
	st.samples[i] = s
}

func (st *instrumentState) evict(cutoff time.Time) {
	i := 0
	for i < len(st.samples) && st.samples[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.samples = append(st.samples[:0], st.samples[i:]...)
	}
}

func (st *instrumentState) volume() float64 {
	var v float64
	for _, s := range st.samples {
		v += s.notional
	}
	return v
}
