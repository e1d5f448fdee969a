package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/protocol"
	"github.com/nasync/nasync/internal/queue"
	"github.com/nasync/nasync/internal/utils"
)

// ErrVerificationFailed means a transfer completed but the destination size
// did not match the source after the retry.
var ErrVerificationFailed = errors.New("transfer verification failed")

// Stats counts engine activity since start.
type Stats struct {
	Uploads       atomic.Int64
	Downloads     atomic.Int64
	RemoteDeletes atomic.Int64
	LocalDeletes  atomic.Int64
	Conflicts     atomic.Int64
	Failures      atomic.Int64
	Parked        atomic.Int64
}

// Engine consumes debounced change events and applies the sync decision
// table. At most one operation runs per path at a time; a change arriving
// for a busy path replaces any earlier waiting change and is re-evaluated
// by the same worker once the running operation finishes.
type Engine struct {
	cfg      *config.Config
	store    *StateStore
	history  *History
	recon    *Reconnector
	inflight *InFlightRegistry
	clock    clockwork.Clock
	log      *slog.Logger

	// bounded: producers block when workers fall behind
	events chan ChangeEvent

	mu      sync.Mutex
	busy    map[string]bool
	pending map[string]ChangeEvent

	parked  *queue.PriorityQueue[ChangeEvent]
	parkSeq atomic.Int64

	stats Stats
}

func New(cfg *config.Config, store *StateStore, history *History, recon *Reconnector, inflight *InFlightRegistry, clock clockwork.Clock, log *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		history:  history,
		recon:    recon,
		inflight: inflight,
		clock:    clock,
		log:      log.With("component", "engine"),
		events:   make(chan ChangeEvent, cfg.QueueSize),
		busy:     make(map[string]bool),
		pending:  make(map[string]ChangeEvent),
		parked:   queue.NewPriorityQueue[ChangeEvent](),
	}
}

// Events is the engine's intake. The debouncer writes into it directly.
func (e *Engine) Events() chan<- ChangeEvent {
	return e.events
}

// Submit offers one event to the engine, blocking while the queue is full.
func (e *Engine) Submit(ev ChangeEvent) {
	e.events <- ev
}

// Busy reports whether an operation is currently running on path.
func (e *Engine) Busy(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy[path]
}

// InFlight counts the paths with an operation currently running.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.busy)
}

// Run blocks processing events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	g := new(errgroup.Group)

	for i := 0; i < e.cfg.MaxWorkers; i++ {
		g.Go(func() error {
			e.worker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		e.replayLoop(ctx)
		return nil
	})

	g.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			if !e.claim(ev) {
				continue
			}
			e.processChain(ctx, ev)
		}
	}
}

// claim takes the per-path lock. If the path is already being worked on,
// the event is absorbed as its single pending re-evaluation: only the
// latest waiting change matters.
func (e *Engine) claim(ev ChangeEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busy[ev.Path] {
		e.pending[ev.Path] = ev
		return false
	}
	e.busy[ev.Path] = true
	return true
}

// processChain works the claimed path, then any re-evaluation that queued
// up behind it, before releasing the per-path lock.
func (e *Engine) processChain(ctx context.Context, ev ChangeEvent) {
	for {
		e.process(ctx, ev)

		e.mu.Lock()
		next, ok := e.pending[ev.Path]
		if !ok {
			delete(e.busy, ev.Path)
			e.mu.Unlock()
			return
		}
		delete(e.pending, ev.Path)
		e.mu.Unlock()
		ev = next
	}
}

// process applies the decision table to one event. Events from a side the
// configured direction does not propagate are dropped here.
func (e *Engine) process(ctx context.Context, ev ChangeEvent) {
	var err error

	switch e.cfg.Direction {
	case config.DirectionLocalToNAS:
		if ev.Origin != OriginLocal {
			return
		}
		err = e.applyLocalChange(ctx, ev)
	case config.DirectionNASToLocal:
		if ev.Origin != OriginRemote {
			return
		}
		err = e.applyRemoteChange(ctx, ev)
	case config.DirectionTwoWay:
		err = e.applyTwoWay(ctx, ev)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrBackendDown):
		e.park(ev)
	default:
		e.stats.Failures.Add(1)
		e.log.Error("sync failed",
			"path", ev.Path,
			"kind", ev.Kind.String(),
			"origin", ev.Origin.String(),
			"error", err)
	}
}

func (e *Engine) applyLocalChange(ctx context.Context, ev ChangeEvent) error {
	if ev.Kind == KindDeleted {
		if !e.cfg.SyncDeletes {
			return e.stopTracking(ev)
		}
		return e.deleteRemote(ctx, ev)
	}
	return e.upload(ctx, ev)
}

func (e *Engine) applyRemoteChange(ctx context.Context, ev ChangeEvent) error {
	if ev.Kind == KindDeleted {
		if !e.cfg.SyncDeletes {
			return e.stopTracking(ev)
		}
		return e.deleteLocal(ctx, ev)
	}
	return e.download(ctx, ev)
}

// applyTwoWay re-checks both sides before moving anything, because the
// other side may have changed since the event was observed.
func (e *Engine) applyTwoWay(ctx context.Context, ev ChangeEvent) error {
	if ev.Kind == KindDeleted {
		if !e.cfg.SyncDeletes {
			return e.stopTracking(ev)
		}
		if ev.Origin == OriginLocal {
			return e.deleteRemote(ctx, ev)
		}
		return e.deleteLocal(ctx, ev)
	}

	local, err := e.statLocal(ev.Path)
	if err != nil {
		return err
	}
	remote, err := e.statRemote(ctx, ev.Path)
	if err != nil {
		return err
	}

	switch {
	case local == nil && remote == nil:
		return e.store.Delete(ev.Path)
	case local == nil:
		return e.download(ctx, ev)
	case remote == nil:
		return e.upload(ctx, ev)
	}

	entry, tracked := e.store.Get(ev.Path)
	localChanged := !tracked || !entry.Local.Matches(local)
	remoteChanged := !tracked || !entry.Remote.Matches(remote)

	switch {
	case localChanged && remoteChanged:
		// untracked identical files are adopted without a transfer
		if !tracked && sameFingerprint(local, remote) {
			return e.store.Set(ev.Path, StampOf(local), StampOf(remote), e.clock.Now())
		}
		return e.resolveConflict(ctx, ev, local, remote)
	case localChanged:
		return e.upload(ctx, ev)
	case remoteChanged:
		return e.download(ctx, ev)
	default:
		return nil
	}
}

// resolveConflict applies later-mtime-wins; an exact tie goes to the
// configured winner.
func (e *Engine) resolveConflict(ctx context.Context, ev ChangeEvent, local, remote *protocol.FileRecord) error {
	e.stats.Conflicts.Add(1)

	var winner config.ConflictWinner
	switch {
	case local.ModTime.After(remote.ModTime):
		winner = config.WinnerLocal
	case remote.ModTime.After(local.ModTime):
		winner = config.WinnerRemote
	default:
		winner = e.cfg.ConflictWinner
	}

	e.log.Warn("conflict",
		"path", ev.Path,
		"local_mtime", local.ModTime,
		"remote_mtime", remote.ModTime,
		"winner", string(winner))

	if winner == config.WinnerLocal {
		return e.upload(ctx, ev)
	}
	return e.download(ctx, ev)
}

// sameFingerprint reports whether two sides can be treated as the same
// content without a transfer. Equal sizes alone are not enough: files that
// diverged while untracked can still match byte counts, so the mtimes must
// agree too.
func sameFingerprint(local, remote *protocol.FileRecord) bool {
	return local.Size == remote.Size && local.ModTime.Equal(remote.ModTime)
}

func (e *Engine) localPath(rel string) string {
	return filepath.Join(e.cfg.SourceDir, filepath.FromSlash(rel))
}

// statLocal returns nil for missing paths and directories.
func (e *Engine) statLocal(rel string) (*protocol.FileRecord, error) {
	info, err := os.Stat(e.localPath(rel))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}
	return &protocol.FileRecord{
		Path:    rel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// statRemote returns nil for missing paths.
func (e *Engine) statRemote(ctx context.Context, rel string) (*protocol.FileRecord, error) {
	var rec *protocol.FileRecord
	err := e.recon.Do(ctx, "stat", func(ctx context.Context) error {
		var statErr error
		rec, statErr = e.recon.adapter.Stat(ctx, rel)
		return statErr
	})
	if errors.Is(err, protocol.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// upload copies the local file to the backend and verifies the result by
// size. One verification failure triggers a single re-upload; a second
// marks the path failed until it changes again.
func (e *Engine) upload(ctx context.Context, ev ChangeEvent) error {
	rel := ev.Path
	start := e.clock.Now()

	local, err := e.statLocal(rel)
	if err != nil {
		return err
	}
	if local == nil {
		e.log.Debug("upload skipped, local file gone", "path", rel)
		return nil
	}

	for attempt := 1; ; attempt++ {
		err = e.recon.Do(ctx, "upload", func(ctx context.Context) error {
			f, openErr := os.Open(e.localPath(rel))
			if openErr != nil {
				return openErr
			}
			defer f.Close()
			return e.recon.adapter.Write(ctx, rel, f, local.Size)
		})
		if err != nil {
			e.record(ctx, rel, "upload", ev.Origin, local.Size, "failed", err, start)
			return err
		}

		remote, verifyErr := e.statRemote(ctx, rel)
		if verifyErr != nil {
			e.record(ctx, rel, "upload", ev.Origin, local.Size, "failed", verifyErr, start)
			return verifyErr
		}
		if remote != nil && remote.Size == local.Size {
			e.stats.Uploads.Add(1)
			e.record(ctx, rel, "upload", ev.Origin, local.Size, "ok", nil, start)
			e.log.Info("uploaded", "path", rel, "size", humanize.Bytes(uint64(local.Size)))
			return e.store.Set(rel, StampOf(local), StampOf(remote), e.clock.Now())
		}

		if attempt >= 2 {
			e.stats.Failures.Add(1)
			err = fmt.Errorf("%w: size mismatch after upload: local %d, remote %v", ErrVerificationFailed, local.Size, remoteSize(remote))
			e.record(ctx, rel, "upload", ev.Origin, local.Size, "failed", err, start)
			e.log.Error("upload verification failed twice, skipping until next change", "path", rel, "error", err)
			return nil
		}
		e.log.Warn("upload verification mismatch, retrying once", "path", rel)
	}
}

// download copies the remote file into the sync root via a temp sibling
// and rename, registering the path in flight so the watcher ignores the
// resulting events. Local mtime is set to the remote's.
func (e *Engine) download(ctx context.Context, ev ChangeEvent) error {
	rel := ev.Path
	start := e.clock.Now()

	remote, err := e.statRemote(ctx, rel)
	if err != nil {
		return err
	}
	if remote == nil {
		e.log.Debug("download skipped, remote file gone", "path", rel)
		return nil
	}

	abs := e.localPath(rel)
	e.inflight.Add(rel)
	defer e.inflight.Done(rel)

	for attempt := 1; ; attempt++ {
		var written int64
		err = e.recon.Do(ctx, "download", func(ctx context.Context) error {
			r, openErr := e.recon.adapter.Open(ctx, rel)
			if openErr != nil {
				return openErr
			}
			defer r.Close()

			var writeErr error
			written, writeErr = utils.AtomicWriteReader(abs, r, 0o644)
			return writeErr
		})
		if err != nil {
			e.record(ctx, rel, "download", ev.Origin, remote.Size, "failed", err, start)
			return err
		}

		if written == remote.Size {
			os.Chtimes(abs, remote.ModTime, remote.ModTime)

			local, statErr := e.statLocal(rel)
			if statErr != nil || local == nil {
				e.record(ctx, rel, "download", ev.Origin, remote.Size, "failed", statErr, start)
				return fmt.Errorf("downloaded file unreadable: %v", statErr)
			}

			e.stats.Downloads.Add(1)
			e.record(ctx, rel, "download", ev.Origin, remote.Size, "ok", nil, start)
			e.log.Info("downloaded", "path", rel, "size", humanize.Bytes(uint64(remote.Size)))
			return e.store.Set(rel, StampOf(local), StampOf(remote), e.clock.Now())
		}

		if attempt >= 2 {
			e.stats.Failures.Add(1)
			err = fmt.Errorf("%w: size mismatch after download: remote %d, wrote %d", ErrVerificationFailed, remote.Size, written)
			e.record(ctx, rel, "download", ev.Origin, remote.Size, "failed", err, start)
			e.log.Error("download verification failed twice, skipping until next change", "path", rel, "error", err)
			return nil
		}
		e.log.Warn("download verification mismatch, retrying once", "path", rel)
	}
}

func (e *Engine) deleteRemote(ctx context.Context, ev ChangeEvent) error {
	start := e.clock.Now()

	err := e.recon.Do(ctx, "delete", func(ctx context.Context) error {
		return e.recon.adapter.Delete(ctx, ev.Path)
	})
	if err != nil && !errors.Is(err, protocol.ErrNotFound) {
		e.record(ctx, ev.Path, "delete-remote", ev.Origin, 0, "failed", err, start)
		return err
	}

	e.stats.RemoteDeletes.Add(1)
	e.record(ctx, ev.Path, "delete-remote", ev.Origin, 0, "ok", nil, start)
	e.log.Info("deleted on remote", "path", ev.Path)
	return e.store.Delete(ev.Path)
}

func (e *Engine) deleteLocal(ctx context.Context, ev ChangeEvent) error {
	start := e.clock.Now()
	abs := e.localPath(ev.Path)

	e.inflight.Add(ev.Path)
	defer e.inflight.Done(ev.Path)

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		e.record(ctx, ev.Path, "delete-local", ev.Origin, 0, "failed", err, start)
		return err
	}

	e.stats.LocalDeletes.Add(1)
	e.record(ctx, ev.Path, "delete-local", ev.Origin, 0, "ok", nil, start)
	e.log.Info("deleted locally", "path", ev.Path)
	return e.store.Delete(ev.Path)
}

// stopTracking handles deletes when sync_deletes is off: nothing is
// propagated, the path just stops being tracked so it will not resurrect.
func (e *Engine) stopTracking(ev ChangeEvent) error {
	e.log.Info("delete observed but not propagated", "path", ev.Path, "origin", ev.Origin.String())
	return e.store.Delete(ev.Path)
}

// park stores an operation that hit a dead backend. Sequence numbers keep
// replay in arrival order.
func (e *Engine) park(ev ChangeEvent) {
	e.stats.Parked.Add(1)
	e.parked.Enqueue(ev, int(e.parkSeq.Add(1)))
	e.log.Info("parked until reconnect", "path", ev.Path, "kind", ev.Kind.String())
}

// replayLoop feeds parked operations back through the queue, oldest first,
// each time the backend comes back.
func (e *Engine) replayLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.recon.Reconnected():
		}

		ops := e.parked.DequeueAll()
		if len(ops) == 0 {
			continue
		}

		e.log.Info("replaying parked operations", "count", len(ops))
		for _, ev := range ops {
			select {
			case <-ctx.Done():
				return
			case e.events <- ev:
			}
		}
	}
}

func (e *Engine) record(ctx context.Context, path, action string, origin Origin, size int64, status string, cause error, start time.Time) {
	if e.history == nil {
		return
	}

	rec := &TransferRecord{
		Path:      path,
		Action:    action,
		Origin:    origin.String(),
		Size:      size,
		Status:    status,
		StartedAt: start,
		EndedAt:   e.clock.Now(),
	}
	if cause != nil {
		rec.Detail = cause.Error()
	}
	if err := e.history.Record(ctx, rec); err != nil {
		e.log.Warn("history write failed", "error", err)
	}
}

func remoteSize(rec *protocol.FileRecord) any {
	if rec == nil {
		return "missing"
	}
	return rec.Size
}
