package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nasync/nasync/internal/protocol"
)

// Poller detects remote-side changes by listing the backend on a fixed
// interval and diffing against the state store's last-known remote
// fingerprints. A cycle that has started always runs to completion; stop is
// honored between cycles.
type Poller struct {
	recon    *Reconnector
	store    *StateStore
	ignorer  *Ignorer
	clock    clockwork.Clock
	interval time.Duration
	busy     func(path string) bool
	emit     func(ChangeEvent)
	log      *slog.Logger
}

func NewPoller(recon *Reconnector, store *StateStore, ignorer *Ignorer, clock clockwork.Clock, interval time.Duration, busy func(string) bool, emit func(ChangeEvent), log *slog.Logger) *Poller {
	return &Poller{
		recon:    recon,
		store:    store,
		ignorer:  ignorer,
		clock:    clock,
		interval: interval,
		busy:     busy,
		emit:     emit,
		log:      log.With("component", "poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("polling remote", "interval", p.interval)

	timer := p.clock.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}

		p.Cycle(ctx)
		timer.Reset(p.interval)
	}
}

// Cycle runs one full poll pass: list the remote tree, diff it against the
// snapshot, emit one event per difference.
func (p *Poller) Cycle(ctx context.Context) {
	start := p.clock.Now()

	listing, err := p.ListRemote(ctx)
	if err != nil {
		if errors.Is(err, ErrBackendDown) {
			p.log.Warn("poll cycle skipped, backend down")
		} else {
			p.log.Error("poll cycle failed", "error", err)
		}
		return
	}

	snapshot := p.store.RemoteSnapshot()
	emitted := 0

	for path, rec := range listing {
		if p.busy(path) {
			continue
		}

		prev, tracked := snapshot[path]
		switch {
		case !tracked:
			p.emit(ChangeEvent{Path: path, Kind: KindCreated, Origin: OriginRemote, ObservedAt: p.clock.Now()})
			emitted++
		case !prev.Matches(rec):
			p.emit(ChangeEvent{Path: path, Kind: KindModified, Origin: OriginRemote, ObservedAt: p.clock.Now()})
			emitted++
		}
	}

	for path := range snapshot {
		if _, present := listing[path]; present || p.busy(path) {
			continue
		}
		p.emit(ChangeEvent{Path: path, Kind: KindDeleted, Origin: OriginRemote, ObservedAt: p.clock.Now()})
		emitted++
	}

	p.log.Debug("poll cycle done",
		"files", len(listing),
		"changes", emitted,
		"took", p.clock.Since(start))
}

// ListRemote walks the remote tree breadth-first and returns every file
// keyed by relative path. A directory that fails to list is logged and
// skipped; the rest of the cycle proceeds with what it has. Only a dead
// backend aborts the walk.
func (p *Poller) ListRemote(ctx context.Context) (map[string]*protocol.FileRecord, error) {
	files := make(map[string]*protocol.FileRecord)
	dirs := []string{""}

	for len(dirs) > 0 {
		dir := dirs[0]
		dirs = dirs[1:]

		var entries []*protocol.FileRecord
		err := p.recon.Do(ctx, "list", func(ctx context.Context) error {
			var listErr error
			entries, listErr = p.recon.adapter.List(ctx, dir)
			return listErr
		})
		if errors.Is(err, ErrBackendDown) {
			return nil, err
		}
		if errors.Is(err, protocol.ErrNotFound) {
			continue
		}
		if err != nil {
			p.log.Warn("skipping unlistable directory", "dir", dir, "error", err)
			continue
		}

		for _, rec := range entries {
			if p.ignorer.Ignored(rec.Path) {
				continue
			}
			if rec.IsDir {
				dirs = append(dirs, rec.Path)
				continue
			}
			files[rec.Path] = rec
		}
	}
	return files, nil
}
