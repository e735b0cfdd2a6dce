package pubsub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

// ErrUnknownClient is returned for operations on an id that is not registered.
var ErrUnknownClient = errors.New("unknown client")

// ErrReplaced is returned by Register when a concurrent handshake for the
// same client id evicted the connection before it could open. Its
// transport has already been closed.
var ErrReplaced = errors.New("connection replaced before open")

// Default connection options.
const (
	DefaultQueueCap           = 1024
	DefaultBatchSize          = 10
	DefaultMaxOverflowStrikes = 3
)

// ConnectionOptions sizes each connection's outbound queue.
type ConnectionOptions struct {
	QueueCap           int // Soft cap on pending envelopes
	BatchSize          int // Queue length that triggers an immediate flush
	MaxOverflowStrikes int // Consecutive overflows before eviction
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.QueueCap <= 0 {
		o.QueueCap = DefaultQueueCap
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxOverflowStrikes <= 0 {
		o.MaxOverflowStrikes = DefaultMaxOverflowStrikes
	}
	return o
}

// RemoveHook runs while a connection is being deregistered, after it has
// stopped accepting subscriptions and before it leaves the registry.
type RemoveHook func(conn *Connection, topics []string, reason string)

// Registry owns every live connection, keyed by client id.
type Registry struct {
	conns sync.Map // string -> *Connection
	count atomic.Int64

	opts   ConnectionOptions
	clock  clockwork.Clock
	logger zerolog.Logger

	hooksMu sync.RWMutex
	hooks   []RemoveHook
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ConnectionOptions, clock clockwork.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		opts:   opts.withDefaults(),
		clock:  clock,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// OnRemove installs a hook run on every deregistration.
func (r *Registry) OnRemove(hook RemoveHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMu.Unlock()
}

// Register adds a connection under requestedID, or a fresh UUID when
// requestedID is empty. A live connection already holding the id is
// deregistered first with reason "replaced", and fully torn down before
// the new one is indexed.
func (r *Registry) Register(transport Transport, requestedID string) (*Connection, error) {
	if transport == nil {
		return nil, errors.New("register: nil transport")
	}

	id := requestedID
	if id == "" {
		id = messaging.NewID()
	}

	conn := newConnection(id, transport, r.opts, r.clock.Now())
	r.admit(conn)
	return r.open(conn)
}

// admit indexes conn under its id, tearing down whoever held it. conn is
// counted as soon as it is visible so a concurrent Remove stays balanced.
func (r *Registry) admit(conn *Connection) {
	for {
		existing, loaded := r.conns.LoadOrStore(conn.id, conn)
		if !loaded {
			break
		}
		old := existing.(*Connection)
		r.logger.Info().
			Str("client_id", conn.id).
			Str("remote_addr", old.RemoteAddr()).
			Msg("Replacing existing connection with same client id")
		r.Remove(old, monitoring.DisconnectReasonReplaced)
		<-old.Done()
	}
	monitoring.RecordConnect(int(r.count.Add(1)))
}

// open moves an admitted connection to OPEN unless a newer handshake has
// already removed it.
func (r *Registry) open(conn *Connection) (*Connection, error) {
	if !conn.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return nil, ErrReplaced
	}

	r.logger.Debug().
		Str("client_id", conn.id).
		Str("remote_addr", conn.transport.RemoteAddr()).
		Int("active", r.Len()).
		Msg("Connection registered")

	return conn, nil
}

// Get returns the live connection for id.
func (r *Registry) Get(id string) (*Connection, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range calls fn for each registered connection until fn returns false.
func (r *Registry) Range(fn func(conn *Connection) bool) {
	r.conns.Range(func(_, v any) bool {
		return fn(v.(*Connection))
	})
}

// Deregister removes the connection registered under id. It is idempotent:
// the second call for the same id returns false and does nothing.
func (r *Registry) Deregister(id, reason string) ([]string, bool) {
	conn, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return r.Remove(conn, reason)
}

// Remove deregisters this particular connection. Loops that own a
// connection use Remove rather than Deregister so a stale loop can never
// evict a newer connection that reused the same id.
//
// Teardown order: stop accepting subscriptions, run remove hooks (broker
// index cleanup), drop from the registry, close the transport, mark CLOSED.
func (r *Registry) Remove(conn *Connection, reason string) ([]string, bool) {
	conn.mu.Lock()
	if conn.isClosing() {
		conn.mu.Unlock()
		return nil, false
	}
	conn.state.Store(int32(StateClosing))
	topics := conn.topicsLocked()
	clear(conn.topics)
	conn.mu.Unlock()

	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(conn, topics, reason)
	}

	if r.conns.CompareAndDelete(conn.id, conn) {
		active := int(r.count.Add(-1))
		monitoring.RecordDisconnect(reason, active)
	}

	code, text := closeCodeFor(reason)
	if err := conn.transport.Close(code, text); err != nil {
		r.logger.Debug().Err(err).Str("client_id", conn.id).Msg("Transport close failed")
	}

	conn.queueMu.Lock()
	clear(conn.queue)
	conn.queue = nil
	conn.queueMu.Unlock()

	conn.state.Store(int32(StateClosed))
	close(conn.done)

	r.logger.Info().
		Str("client_id", conn.id).
		Str("reason", reason).
		Int("topics", len(topics)).
		Dur("connected_for", r.clock.Since(conn.connectedAt)).
		Msg("Connection deregistered")

	return topics, true
}

// Send enqueues an encoded envelope on conn. It returns false when the
// connection is closing or its queue is full; a connection that overflows
// too many times in a row is evicted as a slow consumer.
func (r *Registry) Send(conn *Connection, data []byte) bool {
	result, strikes := conn.enqueue(data)
	switch result {
	case enqueued:
		return true
	case enqueueOverflow:
		monitoring.RecordQueueOverflow()
		if strikes == 1 {
			r.logger.Warn().
				Str("client_id", conn.id).
				Int("queue_cap", r.opts.QueueCap).
				Msg("Client is slow")
		}
		if strikes >= r.opts.MaxOverflowStrikes {
			r.logger.Warn().
				Str("client_id", conn.id).
				Int("consecutive_failures", strikes).
				Msg("Disconnecting slow client")
			r.Remove(conn, monitoring.DisconnectReasonSlowConsumer)
		}
	}
	return false
}

// CloseAll deregisters every connection with reason.
func (r *Registry) CloseAll(reason string) int {
	n := 0
	r.Range(func(conn *Connection) bool {
		if _, ok := r.Remove(conn, reason); ok {
			n++
		}
		return true
	})
	return n
}

func closeCodeFor(reason string) (int, string) {
	switch reason {
	case monitoring.DisconnectReasonRateLimited:
		return ClosePolicyViolation, "rate limit exceeded"
	case monitoring.DisconnectReasonSlowConsumer:
		return ClosePolicyViolation, "client too slow"
	case monitoring.DisconnectReasonHeartbeatTimeout:
		return ClosePolicyViolation, "heartbeat timeout"
	case monitoring.DisconnectReasonShutdown:
		return CloseGoingAway, "server shutting down"
	case monitoring.DisconnectReasonReplaced:
		return CloseNormal, "replaced by new connection"
	default:
		return CloseNormal, reason
	}
}
