package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventInfo struct {
	event notify.Event
	path  string
}

func (f fakeEventInfo) Event() notify.Event { return f.event }
func (f fakeEventInfo) Path() string        { return f.path }
func (f fakeEventInfo) Sys() interface{}    { return nil }

type watcherHarness struct {
	watcher  *Watcher
	inflight *InFlightRegistry
	root     string
	events   []ChangeEvent
}

func newWatcherHarness(t *testing.T) *watcherHarness {
	t.Helper()

	h := &watcherHarness{root: t.TempDir()}
	clock := clockwork.NewFakeClock()
	h.inflight = NewInFlightRegistry(clock)
	h.watcher = NewWatcher(h.root, NewIgnorer(), h.inflight, clock,
		func(ev ChangeEvent) { h.events = append(h.events, ev) },
		testLogger())
	return h
}

func (h *watcherHarness) send(t *testing.T, event notify.Event, rel string) {
	t.Helper()
	h.watcher.handle(fakeEventInfo{event: event, path: filepath.Join(h.root, rel)})
}

func TestWatcherClassifiesCreate(t *testing.T) {
	h := newWatcherHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "new.txt"), []byte("x"), 0o644))

	h.send(t, notify.Create, "new.txt")

	require.Len(t, h.events, 1)
	assert.Equal(t, "new.txt", h.events[0].Path)
	assert.Equal(t, KindCreated, h.events[0].Kind)
	assert.Equal(t, OriginLocal, h.events[0].Origin)
}

func TestWatcherClassifiesModify(t *testing.T) {
	h := newWatcherHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "doc.txt"), []byte("v2"), 0o644))

	h.send(t, notify.Write, "doc.txt")

	require.Len(t, h.events, 1)
	assert.Equal(t, KindModified, h.events[0].Kind)
}

func TestWatcherClassifiesDelete(t *testing.T) {
	h := newWatcherHarness(t)

	// remove and rename-away both leave nothing on disk
	h.send(t, notify.Remove, "gone.txt")
	h.send(t, notify.Rename, "moved.txt")

	require.Len(t, h.events, 2)
	assert.Equal(t, KindDeleted, h.events[0].Kind)
	assert.Equal(t, KindDeleted, h.events[1].Kind)
}

func TestWatcherSkipsDirectories(t *testing.T) {
	h := newWatcherHarness(t)
	require.NoError(t, os.Mkdir(filepath.Join(h.root, "subdir"), 0o755))

	h.send(t, notify.Create, "subdir")

	assert.Empty(t, h.events)
}

func TestWatcherSkipsIgnoredPaths(t *testing.T) {
	h := newWatcherHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.root, ".DS_Store"), []byte("x"), 0o644))

	h.send(t, notify.Create, ".DS_Store")
	h.send(t, notify.Write, ".nasync-tmp-1a2b3c4d")

	assert.Empty(t, h.events)
}

func TestWatcherSuppressesOwnWrites(t *testing.T) {
	h := newWatcherHarness(t)
	abs := filepath.Join(h.root, "synced.txt")
	require.NoError(t, os.WriteFile(abs, []byte("from remote"), 0o644))

	h.inflight.Add("synced.txt")
	h.inflight.Done("synced.txt")

	h.send(t, notify.Create, "synced.txt")
	assert.Empty(t, h.events, "our own download must not loop back")

	// the next event on the same path is real user activity
	h.send(t, notify.Write, "synced.txt")
	require.Len(t, h.events, 1)
	assert.Equal(t, KindModified, h.events[0].Kind)
}

func TestWatcherRejectsPathsOutsideRoot(t *testing.T) {
	h := newWatcherHarness(t)

	h.watcher.handle(fakeEventInfo{event: notify.Create, path: filepath.Join(h.root, "..", "escape.txt")})
	h.watcher.handle(fakeEventInfo{event: notify.Create, path: h.root})

	assert.Empty(t, h.events)
}
