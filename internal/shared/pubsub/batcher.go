package pubsub

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

// DefaultBatchInterval is the periodic flush interval.
const DefaultBatchInterval = 100 * time.Millisecond

// Batcher flushes each connection's outbound queue to its transport.
//
// One flush loop runs per connection. It wakes on its own ticker every
// interval and drains the whole queue, and it also wakes as soon as the
// queue reaches batchSize and writes only the full batches, leaving any
// remainder for the next tick.
type Batcher struct {
	registry  *Registry
	clock     clockwork.Clock
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
}

// NewBatcher creates a batcher. Zero values pick the defaults.
func NewBatcher(registry *Registry, interval time.Duration, batchSize int, clock clockwork.Clock, logger zerolog.Logger) *Batcher {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Batcher{
		registry:  registry,
		clock:     clock,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "batcher").Logger(),
	}
}

// Run is the flush loop for conn. It returns when conn is deregistered or
// ctx is done.
func (b *Batcher) Run(ctx context.Context, conn *Connection) {
	defer monitoring.RecoverPanic(b.logger, "flushLoop", map[string]any{"client_id": conn.ID()})

	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := b.Flush(conn, false); err != nil {
				return
			}
		case <-conn.FlushSignal():
			if err := b.Flush(conn, true); err != nil {
				return
			}
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Flush writes pending envelopes as frames of at most batchSize each: a
// single envelope goes out unwrapped, more than one as a batch frame.
// When onlyFull is set only whole batches are written.
//
// A write error deregisters the connection and is returned.
func (b *Batcher) Flush(conn *Connection, onlyFull bool) error {
	var pending [][]byte
	if onlyFull {
		pending = conn.takeFull(b.batchSize)
	} else {
		pending = conn.takeAll()
	}

	for len(pending) > 0 {
		n := min(b.batchSize, len(pending))
		chunk := pending[:n]
		pending = pending[n:]

		frame, kind, err := b.frame(chunk)
		if err != nil {
			// Batch wrapping of valid JSON cannot fail in practice; drop the
			// chunk rather than the connection.
			monitoring.LogError(b.logger, err, "Failed to encode batch frame", map[string]any{"client_id": conn.ID()})
			continue
		}

		if err := conn.transport.WriteFrame(frame); err != nil {
			b.logger.Debug().
				Err(err).
				Str("client_id", conn.ID()).
				Int("pending", len(pending)+n).
				Msg("Write failed, deregistering")
			b.registry.Remove(conn, monitoring.DisconnectReasonWriteError)
			return err
		}
		monitoring.RecordFrameSent(kind, n, len(frame))
	}
	return nil
}

func (b *Batcher) frame(chunk [][]byte) ([]byte, string, error) {
	if len(chunk) == 1 {
		return chunk[0], monitoring.FrameKindSingle, nil
	}
	frame, err := messaging.EncodeBatch(chunk)
	return frame, monitoring.FrameKindBatch, err
}
