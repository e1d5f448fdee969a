package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer coalesces bursts of events on the same path into a single
// event. Each path has an independent quiet window; a new event while the
// window is open replaces the pending one and restarts the window. Only the
// latest kind survives a burst.
type Debouncer struct {
	window time.Duration
	clock  clockwork.Clock
	out    chan<- ChangeEvent

	mu      sync.Mutex
	pending map[string]*pendingChange
	stopped bool
}

type pendingChange struct {
	event ChangeEvent
	timer clockwork.Timer
}

func NewDebouncer(window time.Duration, clock clockwork.Clock, out chan<- ChangeEvent) *Debouncer {
	return &Debouncer{
		window:  window,
		clock:   clock,
		out:     out,
		pending: make(map[string]*pendingChange),
	}
}

// Offer feeds one raw event into the debouncer.
func (d *Debouncer) Offer(ev ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[ev.Path]; ok {
		p.event = ev
		p.timer.Reset(d.window)
		return
	}

	path := ev.Path
	d.pending[path] = &pendingChange{
		event: ev,
		timer: d.clock.AfterFunc(d.window, func() { d.fire(path) }),
	}
}

func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	ev := p.event
	d.mu.Unlock()

	// blocking send: a full downstream queue slows the producer down
	// instead of dropping events
	d.out <- ev
}

// Pending returns the number of paths with an open window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all timers and flushes whatever was pending. Events that no
// longer fit the downstream queue at shutdown are dropped with a log line.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	flush := make([]ChangeEvent, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		flush = append(flush, p.event)
		delete(d.pending, path)
	}
	d.mu.Unlock()

	for _, ev := range flush {
		select {
		case d.out <- ev:
		default:
			slog.Warn("debouncer: dropped pending event at shutdown", "path", ev.Path, "kind", ev.Kind)
		}
	}
}
