package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
)

// Watcher turns filesystem notifications under the sync root into
// ChangeEvents. It filters ignored paths and the engine's own writes, and
// classifies rename noise by probing whether the path still exists.
type Watcher struct {
	root     string
	ignorer  *Ignorer
	inflight *InFlightRegistry
	clock    clockwork.Clock
	emit     func(ChangeEvent)
	log      *slog.Logger

	events chan notify.EventInfo
}

func NewWatcher(root string, ignorer *Ignorer, inflight *InFlightRegistry, clock clockwork.Clock, emit func(ChangeEvent), log *slog.Logger) *Watcher {
	return &Watcher{
		root:     root,
		ignorer:  ignorer,
		inflight: inflight,
		clock:    clock,
		emit:     emit,
		log:      log.With("component", "watcher"),
		events:   make(chan notify.EventInfo, 128),
	}
}

// Start registers the recursive watch and runs the event loop until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	target := filepath.Join(w.root, "...")
	if err := notify.Watch(target, w.events, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.log.Info("watching", "root", w.root)

	go func() {
		defer notify.Stop(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ei := <-w.events:
				w.handle(ei)
			}
		}
	}()
	return nil
}

func (w *Watcher) handle(ei notify.EventInfo) {
	rel, ok := w.relPath(ei.Path())
	if !ok {
		return
	}

	if w.ignorer.Ignored(rel) {
		return
	}

	if w.inflight.Suppress(rel) {
		w.log.Debug("suppressed self-write", "path", rel)
		return
	}
	w.inflight.Sweep()

	ev := ChangeEvent{
		Path:       rel,
		Origin:     OriginLocal,
		ObservedAt: w.clock.Now(),
	}

	// a Rename source and a Remove both leave no file behind; a Rename
	// destination and a Create both leave one, so classify by what is
	// actually on disk now
	info, err := os.Stat(ei.Path())
	switch {
	case err != nil:
		ev.Kind = KindDeleted
	case info.IsDir():
		// directories materialize implicitly on file transfer
		return
	case ei.Event()&notify.Create != 0:
		ev.Kind = KindCreated
	default:
		ev.Kind = KindModified
	}

	w.log.Debug("local change", "path", rel, "kind", ev.Kind)
	w.emit(ev)
}

// relPath maps an absolute notification path to the normalized relative
// form, rejecting anything outside the root.
func (w *Watcher) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
