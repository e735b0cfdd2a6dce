package toggle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Gate serializes toggle operations. It stays held for a cool-down after
// Release so a double click lands on a busy gate instead of starting a
// second sequence.
type Gate struct {
	mu    sync.Mutex
	held  bool
	until time.Time
	clock clockwork.Clock
}

func NewGate(clock clockwork.Clock) *Gate {
	return &Gate{clock: clock}
}

// TryAcquire takes the gate if it is free and not cooling down.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held || g.clock.Now().Before(g.until) {
		return false
	}
	g.held = true
	return true
}

// Release frees the gate once after has elapsed, or now if after <= 0.
// The cool-down is read from the clock on the next TryAcquire, so no timer
// goroutine is involved.
func (g *Gate) Release(after time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	g.until = time.Time{}
	if after > 0 {
		g.until = g.clock.Now().Add(after)
	}
}
