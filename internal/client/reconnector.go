// Package client is the dashboard side of the realtime socket: a single
// reconnecting connection that keeps its topic subscriptions across drops
// and dispatches events to topic observers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/config"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

// State is the reconnector lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrClosed is returned to callers waiting on a connection that the
	// user closed.
	ErrClosed = errors.New("client: reconnector closed")
	// ErrFailed is the cause of the connection error returned once the
	// reconnect attempts are exhausted.
	ErrFailed = errors.New("client: reconnect attempts exhausted")
)

var pongFrame = func() []byte {
	data, _ := messaging.Encode(messaging.NewPong())
	return data
}()

// Option configures a Reconnector.
type Option func(*Reconnector)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(r *Reconnector) { r.dialer = d }
}

// WithClock injects the clock used for backoff timers.
func WithClock(c clockwork.Clock) Option {
	return func(r *Reconnector) { r.clock = c }
}

// Reconnector owns one logical socket.
//
// States follow DISCONNECTED -> CONNECTING -> OPEN. An unexpected close or
// a failed dial moves to RECONNECTING(1); every failed attempt n waits
// base*2^(n-1) (capped) and moves to RECONNECTING(n+1), or FAILED after
// the last attempt. Close always returns to DISCONNECTED.
//
// The server forgets subscriptions when a socket drops, so the reconnector
// keeps the desired topic set and re-sends it in one subscribe request
// every time the socket opens.
type Reconnector struct {
	url         string
	header      http.Header
	clientID    string
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	dialer      Dialer
	clock       clockwork.Clock
	logger      zerolog.Logger

	// sendMu orders subscription writes: it is held from reading the
	// desired set until the request is written, and is taken before mu.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	attempt    int
	session    uint64
	sessionCtx context.Context
	cancel     context.CancelFunc
	transport  Transport
	changed    chan struct{}
	desired    map[string]struct{}

	observers *observers
	wg        sync.WaitGroup
}

// New builds a reconnector from client configuration. A random client id
// is generated when none is configured; it is reused on every reconnect.
func New(cfg *config.Client, logger zerolog.Logger, opts ...Option) (*Reconnector, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	wsURL, err := withClientID(cfg.ServerURL, clientID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	r := &Reconnector{
		url:         wsURL,
		header:      header,
		clientID:    clientID,
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.ReconnectMaxAttempts,
		dialer:      NewWebSocketDialer(),
		clock:       clockwork.NewRealClock(),
		logger:      logger.With().Str("component", "reconnector").Str("client_id", clientID).Logger(),
		state:       StateDisconnected,
		changed:     make(chan struct{}),
		desired:     make(map[string]struct{}),
		observers:   newObservers(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	return r, nil
}

func withClientID(raw, clientID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	q := u.Query()
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Backoff returns the wait before reconnect attempt n (1-based):
// base*2^(n-1), never more than maxDelay.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// ClientID returns the id sent on every handshake.
func (r *Reconnector) ClientID() string { return r.clientID }

// State returns the current state and, while reconnecting, the attempt number.
func (r *Reconnector) State() (State, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.attempt
}

// Topics returns the desired topic set, sorted.
func (r *Reconnector) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desiredLocked()
}

func (r *Reconnector) desiredLocked() []string {
	topics := make([]string, 0, len(r.desired))
	for t := range r.desired {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (r *Reconnector) setStateLocked(state State, attempt int) {
	if r.state == state && r.attempt == attempt {
		return
	}
	r.logger.Debug().
		Str("from", r.state.String()).
		Str("to", state.String()).
		Int("attempt", attempt).
		Msg("Reconnector state changed")
	r.state = state
	r.attempt = attempt
	close(r.changed)
	r.changed = make(chan struct{})
}

// Connect dials once. From DISCONNECTED or FAILED it starts a new session;
// in any other state it is a no-op. A failed dial returns a connection
// error and leaves the reconnector in RECONNECTING(1) with the backoff
// loop running.
func (r *Reconnector) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateDisconnected && r.state != StateFailed {
		r.mu.Unlock()
		return nil
	}
	r.session++
	session := r.session
	r.sessionCtx, r.cancel = context.WithCancel(context.Background())
	sessionCtx := r.sessionCtx
	r.setStateLocked(StateConnecting, 0)
	r.mu.Unlock()

	t, err := r.dialer.Dial(ctx, r.url, r.header)
	if err == nil {
		if !r.open(session, t) {
			_ = t.Close()
			return ErrClosed
		}
		return nil
	}

	r.mu.Lock()
	if r.session != session {
		r.mu.Unlock()
		return ErrClosed
	}
	r.setStateLocked(StateReconnecting, 1)
	r.wg.Add(1)
	go r.reconnectLoop(sessionCtx, session)
	r.mu.Unlock()

	r.logger.Warn().Err(err).Msg("Connect failed, reconnecting")
	return messaging.NewConnectionError("connect failed", err)
}

// EnsureConnected connects if needed and waits until the socket is open.
// It returns ErrClosed if Close is called meanwhile and a connection
// error once the reconnect attempts are exhausted.
func (r *Reconnector) EnsureConnected(ctx context.Context) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state {
	case StateOpen:
		return nil
	case StateDisconnected, StateFailed:
		if err := r.Connect(ctx); errors.Is(err, ErrClosed) {
			return err
		}
	}

	for {
		r.mu.Lock()
		state, changed := r.state, r.changed
		r.mu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateFailed:
			return messaging.NewConnectionError("server unreachable", ErrFailed)
		case StateDisconnected:
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// open installs t as the live transport and re-sends the desired topics.
// It reports false when the session was closed while dialing.
func (r *Reconnector) open(session uint64, t Transport) bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.session != session {
		r.mu.Unlock()
		return false
	}
	r.transport = t
	r.setStateLocked(StateOpen, 0)
	topics := r.desiredLocked()
	r.wg.Add(1)
	go r.readLoop(session, t)
	r.mu.Unlock()

	r.logger.Info().Int("topics", len(topics)).Msg("Connected")

	if len(topics) > 0 {
		if err := r.sendSubscription(t, messaging.TypeSubscribe, topics); err != nil {
			// The read loop sees the same failure and reconnects.
			r.logger.Warn().Err(err).Msg("Resubscribe failed")
		}
	}
	return true
}

func (r *Reconnector) readLoop(session uint64, t Transport) {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "client.readLoop", nil)

	for {
		data, err := t.ReadMessage()
		if err != nil {
			r.handleDrop(session, t, err)
			return
		}
		r.dispatch(t, data)
	}
}

// handleDrop starts the backoff loop if t is still the live transport.
func (r *Reconnector) handleDrop(session uint64, t Transport, err error) {
	r.mu.Lock()
	if r.session != session || r.transport != t {
		r.mu.Unlock()
		return
	}
	r.transport = nil
	r.setStateLocked(StateReconnecting, 1)
	r.wg.Add(1)
	go r.reconnectLoop(r.sessionCtx, session)
	r.mu.Unlock()

	_ = t.Close()
	r.logger.Warn().Err(err).Msg("Connection lost, reconnecting")
}

func (r *Reconnector) reconnectLoop(ctx context.Context, session uint64) {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "client.reconnectLoop", nil)

	for attempt := 1; ; attempt++ {
		r.mu.Lock()
		if r.session != session {
			r.mu.Unlock()
			return
		}
		r.setStateLocked(StateReconnecting, attempt)
		r.mu.Unlock()

		delay := Backoff(r.baseDelay, r.maxDelay, attempt)
		r.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", r.maxAttempts).
			Dur("delay", delay).
			Msg("Waiting before reconnect attempt")

		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(delay):
		}

		t, err := r.dialer.Dial(ctx, r.url, r.header)
		if err == nil {
			if !r.open(session, t) {
				_ = t.Close()
			}
			return
		}

		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")

		if attempt >= r.maxAttempts {
			r.mu.Lock()
			if r.session == session {
				r.setStateLocked(StateFailed, attempt)
			}
			r.mu.Unlock()
			r.logger.Error().Int("attempts", attempt).Msg("Giving up reconnecting")
			return
		}
	}
}

// Close is the user-initiated close: it stops any reconnect loop, closes
// the socket and returns to DISCONNECTED. The desired topics and
// observers are kept for the next Connect. Close must not be called from
// a Handler.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	r.session++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	t := r.transport
	r.transport = nil
	r.setStateLocked(StateDisconnected, 0)
	r.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	r.wg.Wait()
	return err
}

// Subscribe adds topics to the desired set and, when open, sends one
// subscribe request for them. While not open the topics go out with the
// next resubscribe.
func (r *Reconnector) Subscribe(topics ...string) error {
	return r.changeTopics(messaging.TypeSubscribe, topics)
}

// Unsubscribe removes topics from the desired set and, when open, tells
// the server.
func (r *Reconnector) Unsubscribe(topics ...string) error {
	return r.changeTopics(messaging.TypeUnsubscribe, topics)
}

func (r *Reconnector) changeTopics(msgType string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	for _, topic := range topics {
		if msgType == messaging.TypeSubscribe {
			r.desired[topic] = struct{}{}
		} else {
			delete(r.desired, topic)
		}
	}
	var t Transport
	if r.state == StateOpen {
		t = r.transport
	}
	r.mu.Unlock()

	if t == nil {
		return nil
	}
	return r.sendSubscription(t, msgType, topics)
}

func (r *Reconnector) sendSubscription(t Transport, msgType string, topics []string) error {
	data, err := messaging.Encode(messaging.NewSubscriptionRequest(msgType, topics, r.clock.Now()))
	if err != nil {
		return err
	}
	if err := t.WriteMessage(data); err != nil {
		return messaging.NewConnectionError(msgType+" send failed", err)
	}
	return nil
}

// On registers fn for events on topic. Handlers for a topic run in
// registration order. The returned func unregisters fn and is safe to
// call more than once.
func (r *Reconnector) On(topic string, fn Handler) (unregister func()) {
	return r.observers.add(topic, fn)
}

// OnError registers fn for error envelopes from the server.
func (r *Reconnector) OnError(fn Handler) (unregister func()) {
	return r.observers.add(errorKey, fn)
}

func (r *Reconnector) dispatch(t Transport, data []byte) {
	envs, err := messaging.DecodeFrame(data)
	if err != nil {
		r.logger.Debug().Err(err).Msg("Dropping undecodable frame")
		return
	}

	for _, env := range envs {
		switch {
		case env.Type == messaging.TypePing:
			if err := t.WriteMessage(pongFrame); err != nil {
				r.logger.Debug().Err(err).Msg("Failed to answer ping")
			}
		case env.Type == messaging.TypeError:
			if r.observers.notify(errorKey, env) == 0 && env.Error != nil {
				r.logger.Warn().
					Str("code", env.Error.Code).
					Str("message", env.Error.Message).
					Msg("Server returned an error")
			}
		case env.Topic != "":
			r.observers.notify(env.Topic, env)
		}
	}
}
