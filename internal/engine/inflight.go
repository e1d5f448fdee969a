package engine

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
)

const defaultSuppressGrace = 2 * time.Second

// InFlightRegistry records paths the engine itself is about to touch on the
// local filesystem, so the watcher can tell our own writes apart from user
// activity. A path stays suppressed while the operation runs, and for a
// short grace window afterwards because the filesystem event often lands
// after the write returns.
type InFlightRegistry struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	active mapset.Set[string]
	grace  map[string]time.Time
	window time.Duration
}

func NewInFlightRegistry(clock clockwork.Clock) *InFlightRegistry {
	return &InFlightRegistry{
		clock:  clock,
		active: mapset.NewSet[string](),
		grace:  make(map[string]time.Time),
		window: defaultSuppressGrace,
	}
}

// Add marks rel as engine-owned. Call before the local write or delete.
func (r *InFlightRegistry) Add(rel string) {
	r.active.Add(rel)
}

// Done releases rel into the grace window.
func (r *InFlightRegistry) Done(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active.Remove(rel)
	r.grace[rel] = r.clock.Now().Add(r.window)
}

// Suppress reports whether an observed event on rel was caused by the
// engine itself. A grace-window entry is consumed by the first matching
// event; later events on the same path pass through.
func (r *InFlightRegistry) Suppress(rel string) bool {
	if r.active.Contains(rel) {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	deadline, ok := r.grace[rel]
	if !ok {
		return false
	}
	delete(r.grace, rel)
	return !r.clock.Now().After(deadline)
}

// Sweep drops expired grace entries. Called opportunistically by the
// watcher loop so the map does not grow without bound.
func (r *InFlightRegistry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for rel, deadline := range r.grace {
		if now.After(deadline) {
			delete(r.grace, rel)
		}
	}
}
