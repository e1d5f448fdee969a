package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nasync/nasync/internal/config"
	"github.com/nasync/nasync/internal/protocol"
)

// Manager owns one sync engine instance and all of its moving parts:
// adapter, state store, transfer history, watcher, poller, debouncer and
// the engine itself.
type Manager struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	adapter   protocol.Adapter
	recon     *Reconnector
	store     *StateStore
	history   *History
	engine    *Engine
	debouncer *Debouncer
	watcher   *Watcher
	poller    *Poller

	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewManager(cfg *config.Config, log *slog.Logger) (*Manager, error) {
	adapter, err := protocol.New(cfg)
	if err != nil {
		return nil, err
	}

	store, err := OpenStateStore(cfg.StatePath())
	if err != nil {
		return nil, err
	}

	history, err := OpenHistory(cfg.HistoryPath())
	if err != nil {
		store.Close()
		return nil, err
	}

	clock := clockwork.NewRealClock()
	recon := NewReconnector(adapter, clock, log)
	inflight := NewInFlightRegistry(clock)
	ignorer := NewIgnorer()

	eng := New(cfg, store, history, recon, inflight, clock, log)
	debouncer := NewDebouncer(cfg.DebounceWindow, clock, eng.Events())

	m := &Manager{
		cfg:       cfg,
		log:       log,
		clock:     clock,
		adapter:   adapter,
		recon:     recon,
		store:     store,
		history:   history,
		engine:    eng,
		debouncer: debouncer,
		watcher:   NewWatcher(cfg.SourceDir, ignorer, inflight, clock, debouncer.Offer, log),
		poller:    NewPoller(recon, store, ignorer, clock, cfg.PollInterval, eng.Busy, eng.Submit, log),
	}
	return m, nil
}

// Start connects the backend, runs the initial reconcile, then brings up
// the workers, the watcher and (when the direction needs it) the poller.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s backend: %w", m.adapter.Name(), err)
	}
	m.log.Info("backend connected",
		"protocol", m.adapter.Name(),
		"direction", string(m.cfg.Direction),
		"sync_deletes", m.cfg.SyncDeletes)

	listing, err := m.poller.ListRemote(ctx)
	if err != nil {
		return fmt.Errorf("initial remote listing: %w", err)
	}
	if err := m.engine.InitialSync(ctx, listing); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.startedAt = m.clock.Now()
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		m.engine.Run(runCtx)
	}()

	if m.cfg.WatchesLocal() {
		if err := m.watcher.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	if m.cfg.PollsRemote() {
		go m.poller.Run(runCtx)
	}

	return nil
}

// Stop winds the engine down: no new events, flush the debouncer, stop the
// workers, release the state file.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	m.debouncer.Stop()
	cancel()
	<-done

	m.adapter.Disconnect()
	m.history.Close()
	m.store.Close()
	m.log.Info("engine stopped")
}

// Status snapshots the running engine for the control plane.
func (m *Manager) Status() Status {
	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()

	// history is diagnostic; a failed lookup just leaves the zero time
	lastSync, _ := m.history.LastActivity(context.Background())

	return Status{
		Protocol:     m.cfg.Protocol,
		Direction:    string(m.cfg.Direction),
		Connection:   m.recon.State(),
		TrackedFiles: m.store.Len(),
		QueueDepth:   len(m.engine.events),
		ParkedOps:    m.engine.parked.Len(),
		InFlight:     m.engine.InFlight(),
		LastSyncAt:   lastSync,
		Counters:     m.engine.counters(),
		StartedAt:    startedAt,
		UptimeSecs:   int64(m.clock.Since(startedAt).Seconds()),
	}
}
