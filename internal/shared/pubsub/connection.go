package pubsub

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the write side of a client socket.
//
// WriteFrame must be safe for concurrent use: the batcher and the heartbeat
// monitor both write to the same transport.
type Transport interface {
	WriteFrame(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// State is a connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Close codes sent with the transport close frame.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Connection is one registered client socket.
//
// Locking:
//   - mu guards topics and state transitions. Broker shard locks are always
//     taken after mu, never before.
//   - queueMu guards the outbound queue and overflow strikes.
//   - hbMu guards heartbeat bookkeeping.
type Connection struct {
	id          string
	transport   Transport
	connectedAt time.Time

	state atomic.Int32

	mu     sync.Mutex
	topics map[string]struct{}

	// Outbound queue holds encoded envelopes in enqueue order.
	// A queue at queueCap drops new envelopes and counts a strike; the
	// registry evicts the connection after maxOverflowStrikes in a row.
	queueMu         sync.Mutex
	queue           [][]byte
	queueCap        int
	batchSize       int
	overflowStrikes int

	flushSignal chan struct{} // buffered(1), raised when queue reaches batchSize
	done        chan struct{} // closed once the connection reaches CLOSED

	hbMu         sync.Mutex
	awaitingPong bool
	missedPongs  int
	lastPong     time.Time
}

func newConnection(id string, transport Transport, opts ConnectionOptions, now time.Time) *Connection {
	c := &Connection{
		id:          id,
		transport:   transport,
		connectedAt: now,
		topics:      make(map[string]struct{}),
		queueCap:    opts.QueueCap,
		batchSize:   opts.BatchSize,
		flushSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
		lastPong:    now,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the client id.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// ConnectedAt returns the registration time.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// RemoteAddr returns the transport's peer address.
func (c *Connection) RemoteAddr() string { return c.transport.RemoteAddr() }

// Done is closed when the connection has been fully deregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

// FlushSignal fires when the queue reaches the batch size.
func (c *Connection) FlushSignal() <-chan struct{} { return c.flushSignal }

// Topics returns a sorted snapshot of the subscribed topics.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicsLocked()
}

func (c *Connection) topicsLocked() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// HasTopic reports whether the connection is subscribed to topic.
func (c *Connection) HasTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Connection) isClosing() bool {
	return c.State() >= StateClosing
}

// enqueueResult reports the outcome of an enqueue.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueClosed
	enqueueOverflow
)

// enqueue appends an encoded envelope. Enqueue on a closing or closed
// connection is a no-op.
func (c *Connection) enqueue(data []byte) (enqueueResult, int) {
	if c.isClosing() {
		return enqueueClosed, 0
	}

	c.queueMu.Lock()
	if c.queueCap > 0 && len(c.queue) >= c.queueCap {
		c.overflowStrikes++
		strikes := c.overflowStrikes
		c.queueMu.Unlock()
		return enqueueOverflow, strikes
	}
	c.queue = append(c.queue, data)
	c.overflowStrikes = 0
	full := c.batchSize > 0 && len(c.queue) >= c.batchSize
	c.queueMu.Unlock()

	if full {
		select {
		case c.flushSignal <- struct{}{}:
		default:
		}
	}
	return enqueued, 0
}

// QueueLen returns the number of pending envelopes.
func (c *Connection) QueueLen() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// takeFull removes the largest prefix of the queue that is a whole number
// of batches.
func (c *Connection) takeFull(batchSize int) [][]byte {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	n := (len(c.queue) / batchSize) * batchSize
	if n == 0 {
		return nil
	}
	return c.takeLocked(n)
}

// takeAll removes every pending envelope.
func (c *Connection) takeAll() [][]byte {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.takeLocked(len(c.queue))
}

func (c *Connection) takeLocked(n int) [][]byte {
	if n == 0 {
		return nil
	}
	out := make([][]byte, n)
	copy(out, c.queue[:n])
	rest := copy(c.queue, c.queue[n:])
	clear(c.queue[rest:])
	c.queue = c.queue[:rest]
	return out
}

// heartbeatTick advances the ping bookkeeping by one interval and reports
// whether the connection has now missed maxMissed pongs in a row. When it
// has not, the caller sends a ping and the connection awaits its pong.
func (c *Connection) heartbeatTick(maxMissed int) (evict bool, missed int) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.awaitingPong {
		c.missedPongs++
	} else {
		c.missedPongs = 0
	}
	if c.missedPongs >= maxMissed {
		return true, c.missedPongs
	}
	c.awaitingPong = true
	return false, c.missedPongs
}

func (c *Connection) recordPong(now time.Time) {
	c.hbMu.Lock()
	c.awaitingPong = false
	c.lastPong = now
	c.hbMu.Unlock()
}

// LastPong returns when the last pong was received, or the registration
// time if none was.
func (c *Connection) LastPong() time.Time {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.lastPong
}
