package engine

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestInFlightSuppressWhileActive(t *testing.T) {
	r := NewInFlightRegistry(clockwork.NewFakeClock())

	r.Add("a.txt")
	assert.True(t, r.Suppress("a.txt"))
	assert.True(t, r.Suppress("a.txt"), "active paths suppress every event")
	assert.False(t, r.Suppress("b.txt"))
}

func TestInFlightGraceConsumedOnce(t *testing.T) {
	r := NewInFlightRegistry(clockwork.NewFakeClock())

	r.Add("a.txt")
	r.Done("a.txt")

	assert.True(t, r.Suppress("a.txt"), "first event after completion is ours")
	assert.False(t, r.Suppress("a.txt"), "second event is real user activity")
}

func TestInFlightGraceExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewInFlightRegistry(clock)

	r.Add("a.txt")
	r.Done("a.txt")
	clock.Advance(defaultSuppressGrace + time.Second)

	assert.False(t, r.Suppress("a.txt"), "stale grace entries must not eat real events")
}

func TestInFlightSweepDropsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewInFlightRegistry(clock)

	r.Add("a.txt")
	r.Done("a.txt")
	r.Add("b.txt")
	r.Done("b.txt")

	clock.Advance(defaultSuppressGrace + time.Second)
	r.Sweep()

	r.mu.Lock()
	remaining := len(r.grace)
	r.mu.Unlock()
	assert.Zero(t, remaining)
}
