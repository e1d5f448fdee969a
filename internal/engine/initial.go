package engine

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/protocol"
)

// InitialSync reconciles the two trees once at startup, before the watcher
// and poller take over. It transfers whatever diverged while the engine was
// not running and adopts identical untracked files into the state store
// without moving bytes. Deletes are never inferred from an initial scan: a
// file missing on one side is treated as not-yet-copied, not as deleted.
func (e *Engine) InitialSync(ctx context.Context, remote map[string]*protocol.FileRecord) error {
	local, err := e.walkLocal()
	if err != nil {
		return err
	}

	paths := make(map[string]struct{}, len(local)+len(remote))
	for rel := range local {
		paths[rel] = struct{}{}
	}
	for rel := range remote {
		paths[rel] = struct{}{}
	}
	for _, rel := range e.store.Paths() {
		paths[rel] = struct{}{}
	}

	ordered := make([]string, 0, len(paths))
	for rel := range paths {
		ordered = append(ordered, rel)
	}
	sort.Strings(ordered)

	e.log.Info("initial reconcile",
		"local_files", len(local),
		"remote_files", len(remote),
		"tracked", e.store.Len())

	for _, rel := range ordered {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.reconcileOne(ctx, rel, local[rel], remote[rel]); err != nil {
			e.log.Error("initial reconcile failed for path", "path", rel, "error", err)
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, rel string, local, remote *protocol.FileRecord) error {
	if local == nil && remote == nil {
		// tracked but gone from both sides while we were not running
		return e.store.Delete(rel)
	}

	if local != nil && remote != nil {
		entry, tracked := e.store.Get(rel)
		if tracked && entry.Local.Matches(local) && entry.Remote.Matches(remote) {
			return nil
		}
		if sameFingerprint(local, remote) {
			return e.store.Set(rel, StampOf(local), StampOf(remote), e.clock.Now())
		}

		switch e.cfg.Direction {
		case config.DirectionLocalToNAS:
			return e.upload(ctx, ChangeEvent{Path: rel, Kind: KindModified, Origin: OriginLocal, ObservedAt: e.clock.Now()})
		case config.DirectionNASToLocal:
			return e.download(ctx, ChangeEvent{Path: rel, Kind: KindModified, Origin: OriginRemote, ObservedAt: e.clock.Now()})
		default:
			return e.resolveConflict(ctx, ChangeEvent{Path: rel, Kind: KindModified, Origin: OriginLocal, ObservedAt: e.clock.Now()}, local, remote)
		}
	}

	if local != nil {
		if e.cfg.Direction == config.DirectionNASToLocal {
			return nil
		}
		return e.upload(ctx, ChangeEvent{Path: rel, Kind: KindCreated, Origin: OriginLocal, ObservedAt: e.clock.Now()})
	}

	if e.cfg.Direction == config.DirectionLocalToNAS {
		return nil
	}
	return e.download(ctx, ChangeEvent{Path: rel, Kind: KindCreated, Origin: OriginRemote, ObservedAt: e.clock.Now()})
}

// walkLocal indexes every non-ignored file under the sync root.
func (e *Engine) walkLocal() (map[string]*protocol.FileRecord, error) {
	ignorer := NewIgnorer()
	files := make(map[string]*protocol.FileRecord)

	root := e.cfg.SourceDir
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignorer.Ignored(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil // vanished mid-walk
		}
		files[rel] = &protocol.FileRecord{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
