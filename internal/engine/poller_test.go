package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollerHarness struct {
	poller *Poller
	store  *StateStore
	fa     *fakeAdapter
	events []ChangeEvent
	busy   map[string]bool
}

func newPollerHarness(t *testing.T) *pollerHarness {
	t.Helper()

	fa := newFakeAdapter()
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &pollerHarness{
		store: store,
		fa:    fa,
		busy:  make(map[string]bool),
	}

	clock := clockwork.NewRealClock()
	recon := NewReconnector(fa, clock, testLogger())
	h.poller = NewPoller(recon, store, NewIgnorer(), clock, time.Second,
		func(path string) bool { return h.busy[path] },
		func(ev ChangeEvent) { h.events = append(h.events, ev) },
		testLogger())
	return h
}

func (h *pollerHarness) eventFor(path string) (ChangeEvent, bool) {
	for _, ev := range h.events {
		if ev.Path == path {
			return ev, true
		}
	}
	return ChangeEvent{}, false
}

// track records a path as already synced with the backend's current stamp.
func (h *pollerHarness) track(t *testing.T, path string) {
	t.Helper()
	rec, err := h.fa.Stat(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(path, StampOf(rec), StampOf(rec), time.Now()))
}

func TestPollerEmitsCreatedForUntrackedFile(t *testing.T) {
	h := newPollerHarness(t)
	h.fa.put("new/file.txt", []byte("data"), time.Now().Truncate(time.Second))

	h.poller.Cycle(context.Background())

	ev, ok := h.eventFor("new/file.txt")
	require.True(t, ok)
	assert.Equal(t, KindCreated, ev.Kind)
	assert.Equal(t, OriginRemote, ev.Origin)
}

func TestPollerEmitsModifiedOnStampChange(t *testing.T) {
	h := newPollerHarness(t)
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	h.fa.put("doc.txt", []byte("v1"), mtime)
	h.track(t, "doc.txt")

	h.fa.put("doc.txt", []byte("v2 longer"), mtime.Add(time.Minute))
	h.poller.Cycle(context.Background())

	ev, ok := h.eventFor("doc.txt")
	require.True(t, ok)
	assert.Equal(t, KindModified, ev.Kind)
}

func TestPollerSilentOnUnchangedFile(t *testing.T) {
	h := newPollerHarness(t)
	h.fa.put("same.txt", []byte("stable"), time.Now().Truncate(time.Second))
	h.track(t, "same.txt")

	h.poller.Cycle(context.Background())

	assert.Empty(t, h.events)
}

func TestPollerEmitsDeletedForVanishedFile(t *testing.T) {
	h := newPollerHarness(t)
	h.fa.put("gone.txt", []byte("x"), time.Now().Truncate(time.Second))
	h.track(t, "gone.txt")
	require.NoError(t, h.fa.Delete(context.Background(), "gone.txt"))

	h.poller.Cycle(context.Background())

	ev, ok := h.eventFor("gone.txt")
	require.True(t, ok)
	assert.Equal(t, KindDeleted, ev.Kind)
	assert.Equal(t, OriginRemote, ev.Origin)
}

func TestPollerSkipsBusyPaths(t *testing.T) {
	h := newPollerHarness(t)
	h.fa.put("busy.txt", []byte("transferring"), time.Now().Truncate(time.Second))
	h.busy["busy.txt"] = true

	h.poller.Cycle(context.Background())

	_, ok := h.eventFor("busy.txt")
	assert.False(t, ok, "paths with a running operation are left alone")
}

func TestPollerIgnoresNoiseFiles(t *testing.T) {
	h := newPollerHarness(t)
	h.fa.put(".DS_Store", []byte("junk"), time.Now())
	h.fa.put("dir/.nasync-tmp-abc123", []byte("partial"), time.Now())

	h.poller.Cycle(context.Background())

	assert.Empty(t, h.events)
}

func TestPollerWalksNestedDirectories(t *testing.T) {
	h := newPollerHarness(t)
	h.fa.put("a/b/c/deep.txt", []byte("deep"), time.Now().Truncate(time.Second))

	h.poller.Cycle(context.Background())

	_, ok := h.eventFor("a/b/c/deep.txt")
	assert.True(t, ok)
}

func TestPollerSkipsCycleWhileDown(t *testing.T) {
	h := newPollerHarness(t)
	h.fa.put("file.txt", []byte("x"), time.Now())
	h.fa.setDown(true)
	h.poller.recon.mu.Lock()
	h.poller.recon.down = true
	h.poller.recon.mu.Unlock()

	h.poller.Cycle(context.Background())

	assert.Empty(t, h.events, "no diff against a backend we cannot see")
}
