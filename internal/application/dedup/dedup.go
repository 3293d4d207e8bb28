// Package dedup recuerda qué señales ya se procesaron durante una ventana de tiempo.
package dedup

import "time"

// DefaultWindow es la ventana de agregación por defecto.
const DefaultWindow = 10 * time.Minute

type entry struct {
	hash string
	at   time.Time
}

// Deduplicator es un set hash → timestamp con memoria acotada: cada inserción barre
// las entradas más viejas que la ventana. No es seguro para uso concurrente; cada bot
// tiene el suyo.
type Deduplicator struct {
	window time.Duration
	now    func() time.Time

	seen  map[string]time.Time
	order []entry // en orden de inserción, por lo tanto de tiempo
	head  int
}

// New crea un Deduplicator. window <= 0 usa DefaultWindow.
func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen indica si hash se marcó dentro de la ventana.
func (d *Deduplicator) Seen(hash string) bool {
	at, ok := d.seen[hash]
	return ok && d.now().Sub(at) < d.window
}

// MarkSeen registra hash con el instante actual.
func (d *Deduplicator) MarkSeen(hash string) {
	now := d.now()
	d.evict(now)
	d.seen[hash] = now
	d.order = append(d.order, entry{hash: hash, at: now})
}

// Check devuelve true si hash ya estaba visto; si no, lo marca y devuelve false.
func (d *Deduplicator) Check(hash string) bool {
	if d.Seen(hash) {
		return true
	}
	d.MarkSeen(hash)
	return false
}

// Len es el número de hashes vivos en el map.
func (d *Deduplicator) Len() int { return len(d.seen) }

// evict saca del frente de la cola todo lo más viejo que la ventana. Cada entrada se
// inserta y se saca una sola vez, así que el coste amortizado es O(1).
func (d *Deduplicator) evict(now time.Time) {
	cutoff := now.Add(-d.window)
	for d.head < len(d.order) && !d.order[d.head].at.After(cutoff) {
		e := d.order[d.head]
		// Si el hash se re-marcó después, la entrada vieja de la cola ya no manda.
		if at, ok := d.seen[e.hash]; ok && at.Equal(e.at) {
			delete(d.seen, e.hash)
		}
		d.order[d.head] = entry{}
		d.head++
	}
	if d.head > 0 && d.head*2 >= len(d.order) {
		d.order = append(d.order[:0], d.order[d.head:]...)
		d.head = 0
	}
}
