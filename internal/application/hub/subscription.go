package hub

import (
	"context"
	"sync"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
)

// Subscription es el buzón de un consumidor del hub. Cada evento que le corresponde
// se entrega una vez; con el buffer lleno se descarta el evento más viejo.
type Subscription struct {
	id   string
	name string
	hub  *Hub

	mu      sync.Mutex // serializa pushes (upstream y watcher publican en paralelo)
	ch      chan domain.Event
	closed  bool
	dropped uint64

	// protegidos por hub.mu
	assets  map[string]struct{}
	wallets map[string]struct{}
}

// ID identifica la suscripción.
func (s *Subscription) ID() string { return s.id }

// Events devuelve el canal de eventos. Se cierra al cerrar la suscripción.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Dropped devuelve cuántos eventos se descartaron por buffer lleno.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// AddInstruments amplía la suscripción con más instrumentos.
func (s *Subscription) AddInstruments(ctx context.Context, ids ...string) {
	s.hub.addInstruments(ctx, s, ids)
}

// RemoveInstruments deja de recibir eventos de esos instrumentos.
func (s *Subscription) RemoveInstruments(ctx context.Context, ids ...string) {
	s.hub.removeInstruments(ctx, s, ids)
}

// Close da de baja la suscripción y cierra el canal. Es idempotente.
func (s *Subscription) Close() {
	s.hub.unsubscribe(context.Background(), s)
}

// push entrega ev sin bloquear nunca al publicador.
func (s *Subscription) push(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Lleno: tirar el más viejo y reintentar. El consumidor puede haber vaciado
		// el canal entre medias; en ese caso el siguiente intento entra.
		select {
		case <-s.ch:
			s.dropped++
			metrics.HubDropped.WithLabelValues(s.name).Inc()
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
