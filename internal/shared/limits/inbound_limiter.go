package limits

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Inbound limiter defaults.
const (
	DefaultInboundLimit      = 100
	DefaultInboundWindow     = time.Second
	DefaultInboundMaxStrikes = 20
)

// Decision is the outcome of an inbound rate check.
type Decision int

const (
	// Allow lets the message through.
	Allow Decision = iota
	// Reject drops the message; the sender gets a RATE_LIMITED error.
	Reject
	// Disconnect drops the message and closes the connection.
	Disconnect
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// InboundLimiterConfig configures per-connection inbound limits.
type InboundLimiterConfig struct {
	Limit      int           // Messages allowed per window (default: 100)
	Window     time.Duration // Sliding window length (default: 1s)
	MaxStrikes int           // Rejections tolerated before disconnect (default: 20)
}

// InboundLimiter applies a sliding-window message limit to each connection
// independently. A flooding client only ever affects itself.
//
// Every rejected message is a strike. A whole window without a rejection
// clears the strikes; going past MaxStrikes asks the caller to disconnect.
type InboundLimiter struct {
	clock      clockwork.Clock
	limit      int
	window     time.Duration
	maxStrikes int

	clients sync.Map // client id -> *inboundWindow
}

type inboundWindow struct {
	mu         sync.Mutex
	stamps     []time.Time // accepted message times, oldest first
	strikes    int
	lastReject time.Time
}

// NewInboundLimiter creates a limiter. Zero config values pick the defaults.
func NewInboundLimiter(config InboundLimiterConfig, clock clockwork.Clock) *InboundLimiter {
	if config.Limit <= 0 {
		config.Limit = DefaultInboundLimit
	}
	if config.Window <= 0 {
		config.Window = DefaultInboundWindow
	}
	if config.MaxStrikes <= 0 {
		config.MaxStrikes = DefaultInboundMaxStrikes
	}
	return &InboundLimiter{
		clock:      clock,
		limit:      config.Limit,
		window:     config.Window,
		maxStrikes: config.MaxStrikes,
	}
}

// Check records one inbound message from clientID and decides its fate.
func (l *InboundLimiter) Check(clientID string) (Decision, int) {
	v, _ := l.clients.LoadOrStore(clientID, &inboundWindow{})
	w := v.(*inboundWindow)

	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	drop := 0
	for drop < len(w.stamps) && !w.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[drop:]...)
	}

	if w.strikes > 0 && now.Sub(w.lastReject) >= l.window {
		w.strikes = 0
	}

	if len(w.stamps) < l.limit {
		w.stamps = append(w.stamps, now)
		return Allow, w.strikes
	}

	w.strikes++
	w.lastReject = now
	if w.strikes > l.maxStrikes {
		return Disconnect, w.strikes
	}
	return Reject, w.strikes
}

// Remove forgets clientID's window.
func (l *InboundLimiter) Remove(clientID string) {
	l.clients.Delete(clientID)
}

// Tracked returns the number of connections with a window.
func (l *InboundLimiter) Tracked() int {
	n := 0
	l.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
