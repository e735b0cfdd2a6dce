package pubsub

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

// Heartbeat defaults.
const (
	DefaultPingInterval   = 30 * time.Second
	DefaultMaxMissedPongs = 2
)

var pingFrame = func() []byte {
	data, _ := messaging.Encode(messaging.NewPing())
	return data
}()

// HeartbeatMonitor pings every connection on a fixed interval and evicts
// those that stop answering. Eviction goes through the registry, so the
// broker index is cleaned by the same removal hook as any other close.
type HeartbeatMonitor struct {
	registry  *Registry
	clock     clockwork.Clock
	interval  time.Duration
	maxMissed int
	logger    zerolog.Logger
}

// NewHeartbeatMonitor creates a monitor. Zero values pick the defaults.
func NewHeartbeatMonitor(registry *Registry, interval time.Duration, maxMissed int, clock clockwork.Clock, logger zerolog.Logger) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissedPongs
	}
	return &HeartbeatMonitor{
		registry:  registry,
		clock:     clock,
		interval:  interval,
		maxMissed: maxMissed,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Run ticks until ctx is done.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(h.logger, "heartbeat", nil)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().
		Dur("interval", h.interval).
		Int("max_missed", h.maxMissed).
		Msg("Heartbeat monitor started")

	for {
		select {
		case <-ticker.Chan():
			h.Tick()
		case <-ctx.Done():
			h.logger.Info().Msg("Heartbeat monitor stopped")
			return
		}
	}
}

// Tick runs one heartbeat round over all connections and returns the
// number evicted.
func (h *HeartbeatMonitor) Tick() int {
	evicted := 0
	h.registry.Range(func(conn *Connection) bool {
		if conn.State() != StateOpen {
			return true
		}
		evict, missed := conn.heartbeatTick(h.maxMissed)
		if evict {
			h.logger.Warn().
				Str("client_id", conn.ID()).
				Int("missed_pongs", missed).
				Time("last_pong", conn.LastPong()).
				Msg("Evicting unresponsive connection")
			if _, ok := h.registry.Remove(conn, monitoring.DisconnectReasonHeartbeatTimeout); ok {
				evicted++
			}
			return true
		}

		// Pings bypass the outbound queue so a backed-up queue cannot delay
		// liveness detection.
		if err := conn.transport.WriteFrame(pingFrame); err != nil {
			h.registry.Remove(conn, monitoring.DisconnectReasonWriteError)
			return true
		}
		monitoring.RecordFrameSent(monitoring.FrameKindPing, 0, len(pingFrame))
		return true
	})
	return evicted
}

// Pong records a pong from clientID.
func (h *HeartbeatMonitor) Pong(clientID string) {
	if conn, ok := h.registry.Get(clientID); ok {
		conn.recordPong(h.clock.Now())
	}
}
