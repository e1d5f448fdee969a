package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nasync/nasync/internal/protocol"
)

// ErrBackendDown means the backend is unreachable and a background probe is
// trying to get it back. Operations failing with this error are parked and
// replayed after reconnection.
var ErrBackendDown = errors.New("backend is down")

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	opMaxAttempts      = 3
)

// ConnState is the reconnector's view of the backend.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Reconnector wraps every backend call with transient-failure retries and,
// when the backend goes fully dark, owns the single background probe loop
// that brings it back. Auth and not-found errors pass through untouched.
type Reconnector struct {
	adapter protocol.Adapter
	clock   clockwork.Clock
	log     *slog.Logger

	mu      sync.Mutex
	down    bool
	probing bool

	// one token per recovery; receivers replay parked work
	reconnected chan struct{}
}

func NewReconnector(adapter protocol.Adapter, clock clockwork.Clock, log *slog.Logger) *Reconnector {
	return &Reconnector{
		adapter:     adapter,
		clock:       clock,
		log:         log.With("backend", adapter.Name()),
		reconnected: make(chan struct{}, 1),
	}
}

// Reconnected signals once after each recovered outage.
func (r *Reconnector) Reconnected() <-chan struct{} {
	return r.reconnected
}

// State reports the current connection state.
func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return StateReconnecting
	}
	return StateConnected
}

// Do runs fn with transient-failure retries. While the backend is down it
// fails fast with ErrBackendDown so callers can park instead of blocking.
func (r *Reconnector) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return ErrBackendDown
	}
	r.mu.Unlock()

	var lastErr error
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= opMaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !protocol.IsRetryable(lastErr) {
			return lastErr
		}

		r.log.Warn("transient failure",
			"op", op,
			"attempt", attempt,
			"error", lastErr)

		if attempt == opMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(withJitter(delay)):
		}
		delay = nextDelay(delay)

		// a fresh session often clears half-dead connections
		r.adapter.Disconnect()
		if err := r.adapter.Connect(ctx); err != nil {
			lastErr = err
		}
	}

	r.markDown(ctx, op, lastErr)
	return fmt.Errorf("%w: %v", ErrBackendDown, lastErr)
}

// markDown flips to the down state and starts the probe loop. Only the
// first caller spawns it.
func (r *Reconnector) markDown(ctx context.Context, op string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down {
		return
	}
	r.down = true
	r.log.Error("backend down, entering reconnect loop", "op", op, "error", cause)

	if !r.probing {
		r.probing = true
		go r.probe(ctx)
	}
}

// probe retries Connect with capped exponential backoff until it succeeds
// or ctx is cancelled.
func (r *Reconnector) probe(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.probing = false
			r.mu.Unlock()
			return
		case <-r.clock.After(withJitter(delay)):
		}

		r.adapter.Disconnect()
		err := r.adapter.Connect(ctx)
		if err == nil {
			r.mu.Lock()
			r.down = false
			r.probing = false
			r.mu.Unlock()

			r.log.Info("backend reconnected")
			select {
			case r.reconnected <- struct{}{}:
			default:
			}
			return
		}

		r.log.Debug("reconnect attempt failed", "error", err, "next_in", delay)
		delay = nextDelay(delay)
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	return d
}

// withJitter spreads retries out so several paths failing together do not
// probe in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
