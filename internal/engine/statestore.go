package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/nasync/nasync/internal/jsonx"
	"github.com/nasync/nasync/internal/protocol"
	"github.com/nasync/nasync/internal/utils"
)

// ErrStateCorrupt means the state file exists but cannot be parsed. The
// engine must refuse to start rather than sync against a guessed baseline.
var ErrStateCorrupt = errors.New("sync state file is corrupt")

// Stamp is the size/mtime/etag fingerprint of one side of a synced file.
type Stamp struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	ETag    string    `json:"etag,omitempty"`
}

func StampOf(rec *protocol.FileRecord) Stamp {
	return Stamp{Size: rec.Size, ModTime: rec.ModTime, ETag: rec.ETag}
}

// Matches reports whether a current record still carries this fingerprint.
// ETags are compared only when both sides have one.
func (s Stamp) Matches(rec *protocol.FileRecord) bool {
	if s.ETag != "" && rec.ETag != "" {
		return s.ETag == rec.ETag
	}
	return s.Size == rec.Size && s.ModTime.Equal(rec.ModTime)
}

// SyncStateEntry is the last-known synced fingerprint of one path.
type SyncStateEntry struct {
	Path     string    `json:"path"`
	Local    Stamp     `json:"local"`
	Remote   Stamp     `json:"remote"`
	SyncedAt time.Time `json:"synced_at"`
}

type stateFile struct {
	Version int                        `json:"version"`
	Entries map[string]*SyncStateEntry `json:"entries"`
}

// StateStore is the durable record of what has been synced. Every mutation
// is persisted immediately with a temp-file-and-rename write, so a crash at
// any point leaves either the old or the new state on disk, never a torn
// one. An exclusive flock guards against two engines sharing a state file.
type StateStore struct {
	path string
	lock *flock.Flock

	mu      sync.Mutex
	entries map[string]*SyncStateEntry
}

// OpenStateStore loads (or initializes) the state file at path.
func OpenStateStore(path string) (*StateStore, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("prepare state dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock state file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state file %s is locked by another instance", path)
	}

	s := &StateStore{
		path:    path,
		lock:    lock,
		entries: make(map[string]*SyncStateEntry),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		lock.Unlock()
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var file stateFile
	if err := jsonx.Unmarshal(data, &file); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}
	if file.Entries != nil {
		s.entries = file.Entries
	}
	return s, nil
}

// Close releases the instance lock. The state itself is already on disk.
func (s *StateStore) Close() error {
	return s.lock.Unlock()
}

func (s *StateStore) Get(path string) (*SyncStateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[path]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Set records a completed sync of path and persists immediately.
func (s *StateStore) Set(path string, local, remote Stamp, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[path] = &SyncStateEntry{
		Path:     path,
		Local:    local,
		Remote:   remote,
		SyncedAt: syncedAt,
	}
	return s.persistLocked()
}

// Delete forgets path (after a propagated delete, or to stop tracking it)
// and persists immediately.
func (s *StateStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[path]; !ok {
		return nil
	}
	delete(s.entries, path)
	return s.persistLocked()
}

// RemoteSnapshot returns the remote fingerprints of every tracked path,
// keyed by path. The poller diffs listings against this.
func (s *StateStore) RemoteSnapshot() map[string]Stamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[string]Stamp, len(s.entries))
	for path, e := range s.entries {
		snap[path] = e.Remote
	}
	return snap
}

// Paths returns every tracked path.
func (s *StateStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.entries))
	for path := range s.entries {
		paths = append(paths, path)
	}
	return paths
}

func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *StateStore) persistLocked() error {
	data, err := jsonx.MarshalIndent(stateFile{Version: 1, Entries: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := utils.AtomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}
