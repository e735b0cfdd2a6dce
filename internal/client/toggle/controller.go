// Package toggle drives the dashboard realtime switch for one chart: it
// runs the activation sequence against the engine API and the socket,
// persists every ON/OFF transition, and silently resumes a fresh ON state
// when the chart is opened again.
package toggle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/client"
	"github.com/pengwow/quantcell-realtime/internal/client/store"
	"github.com/pengwow/quantcell-realtime/internal/realtime"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

// ErrBusy is returned when a toggle request arrives while another one is
// in flight or cooling down. The request is ignored.
var ErrBusy = errors.New("toggle: operation in progress")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("toggle: controller closed")

// Defaults.
const (
	DefaultCooldown          = 300 * time.Millisecond
	DefaultFreshnessWindow   = 5 * time.Minute
	DefaultActivationTimeout = 15 * time.Second
)

// RealtimeAPI is the engine control surface used during activation. Any
// error is a hard stop of the sequence.
type RealtimeAPI interface {
	StartRealtimeEngine(ctx context.Context) error
	ConnectExchange(ctx context.Context) error
	GetRealtimeStatus(ctx context.Context) (realtime.Status, error)
	SubscribeKlineChannels(ctx context.Context, channels []string) error
	UnsubscribeKlineChannels(ctx context.Context, channels []string) error
}

// Socket is the part of the reconnector the controller drives.
type Socket interface {
	EnsureConnected(ctx context.Context) error
	Subscribe(topics ...string) error
	Unsubscribe(topics ...string) error
	On(topic string, fn client.Handler) (unregister func())
}

var _ Socket = (*client.Reconnector)(nil)

// State is the switch position.
type State int

const (
	StateOff State = iota
	StateActivating
	StateOn
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateActivating:
		return "ACTIVATING"
	case StateOn:
		return "ON"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config wires a Controller.
type Config struct {
	Instance string
	Symbol   string
	Period   string

	Cooldown          time.Duration
	FreshnessWindow   time.Duration
	ActivationTimeout time.Duration

	API     RealtimeAPI
	Socket  Socket
	Store   store.Store
	Handler client.Handler

	// Notify shows an activation failure to the user. Called at most once
	// per failed activation, never for a user cancel or stale state.
	Notify func(error)

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Controller is the state machine behind one realtime switch.
type Controller struct {
	cfg     Config
	channel string
	key     string
	gate    *Gate
	clock   clockwork.Clock
	logger  zerolog.Logger

	resumeOnce sync.Once

	mu           sync.Mutex
	state        State
	cancel       context.CancelFunc
	done         chan struct{}
	userCanceled bool
	closed       bool
	unregister   func()
}

// NewController validates cfg and returns a controller in the OFF state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Instance == "" {
		return nil, errors.New("toggle: instance is required")
	}
	if cfg.API == nil || cfg.Socket == nil || cfg.Store == nil || cfg.Handler == nil {
		return nil, errors.New("toggle: API, Socket, Store and Handler are required")
	}
	channel := messaging.KlineChannel(cfg.Symbol, cfg.Period)
	if _, _, err := messaging.ParseKlineChannel(channel); err != nil {
		return nil, err
	}

	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	} else if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = DefaultActivationTimeout
	}
	if cfg.Notify == nil {
		cfg.Notify = func(error) {}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Controller{
		cfg:     cfg,
		channel: channel,
		key:     StorageKey(cfg.Instance),
		gate:    NewGate(cfg.Clock),
		clock:   cfg.Clock,
		logger: cfg.Logger.With().
			Str("component", "toggle").
			Str("instance", cfg.Instance).
			Str("channel", channel).
			Logger(),
	}, nil
}

// Channel returns the kline channel this switch controls.
func (c *Controller) Channel() string { return c.channel }

// State returns the switch position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume is evaluated once, when the chart opens. A persisted ON state
// that is fresh and matches the current symbol and period re-runs the
// activation without asking; anything else leaves the switch OFF. Later
// calls return nil without doing anything.
func (c *Controller) Resume(ctx context.Context) error {
	var err error
	c.resumeOnce.Do(func() { err = c.resume(ctx) })
	return err
}

func (c *Controller) resume(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.gate.TryAcquire() {
		return ErrBusy
	}
	defer c.gate.Release(c.cfg.Cooldown)

	state, found, err := loadState(ctx, c.cfg.Store, c.key)
	if err != nil {
		if errors.Is(err, messaging.ErrStaleState) {
			c.logger.Debug().Err(err).Msg("Not resuming realtime")
			return nil
		}
		return fmt.Errorf("load toggle state: %w", err)
	}
	if !found {
		return nil
	}

	fresh, err := checkFresh(state, c.cfg.Symbol, c.cfg.Period, c.clock.Now(), c.cfg.FreshnessWindow)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Not resuming realtime")
		return nil
	}
	if !fresh {
		return nil
	}

	c.logger.Info().Msg("Resuming realtime")
	return c.activate(ctx)
}

// Toggle flips the switch. It returns ErrBusy while another request is in
// flight or cooling down.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.gate.TryAcquire() {
		return ErrBusy
	}
	defer c.gate.Release(c.cfg.Cooldown)

	if c.State() == StateOn {
		return c.deactivate(ctx)
	}
	return c.activate(ctx)
}

// Enable turns realtime on. It is a no-op when already on.
func (c *Controller) Enable(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.gate.TryAcquire() {
		return ErrBusy
	}
	defer c.gate.Release(c.cfg.Cooldown)

	if c.State() == StateOn {
		return nil
	}
	return c.activate(ctx)
}

// Disable turns realtime off. During an activation it cancels the
// remaining steps and waits for the sequence to unwind instead of taking
// the gate.
func (c *Controller) Disable(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateActivating {
		cancel, done := c.cancel, c.done
		c.userCanceled = true
		c.mu.Unlock()

		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		// The sequence may have finished just before the cancel landed.
		if c.State() == StateOn {
			return c.deactivate(ctx)
		}
		return nil
	}
	c.mu.Unlock()

	if !c.gate.TryAcquire() {
		return ErrBusy
	}
	defer c.gate.Release(c.cfg.Cooldown)

	if c.State() != StateOn {
		return nil
	}
	return c.deactivate(ctx)
}

// Close tears the switch down when its chart goes away. It cancels an
// activation in flight and releases the handler and both subscriptions,
// but leaves the persisted state alone so the next open can resume.
// Every later call returns ErrClosed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var done chan struct{}
	if c.state == StateActivating {
		c.userCanceled = true
		c.cancel()
		done = c.done
	}
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	on := c.state == StateOn
	unregister := c.unregister
	c.unregister = nil
	c.state = StateOff
	c.mu.Unlock()

	if !on {
		return nil
	}
	c.release(ctx, unregister)
	c.logger.Info().Msg("Realtime switch closed")
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// activate runs the sequence under the activation timeout. The caller
// holds the gate.
func (c *Controller) activate(parent context.Context) error {
	ctx, cancel := clockwork.WithTimeout(parent, c.clock, c.cfg.ActivationTimeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateActivating
	c.cancel = cancel
	c.done = done
	c.userCanceled = false
	c.mu.Unlock()

	start := c.clock.Now()
	unregister, err := c.runSequence(ctx)

	c.mu.Lock()
	userCanceled, closed := c.userCanceled, c.closed
	if err == nil {
		c.state = StateOn
		c.unregister = unregister
	} else {
		c.state = StateOff
	}
	c.cancel = nil
	c.mu.Unlock()

	if err != nil {
		if closed {
			c.logger.Info().Err(err).Msg("Realtime activation abandoned on close")
			return context.Canceled
		}
		c.persist(parent, false)
		if userCanceled || liveErr(parent) != nil {
			c.logger.Info().Err(err).Msg("Realtime activation canceled")
			return context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("realtime activation timed out after %s: %w", c.cfg.ActivationTimeout, err)
		}
		c.logger.Warn().Err(err).Msg("Realtime activation failed")
		c.cfg.Notify(err)
		return err
	}

	c.persist(parent, true)
	c.logger.Info().Dur("took", c.clock.Since(start)).Msg("Realtime enabled")
	return nil
}

// runSequence performs each step only if ctx is still live, so a cancel
// never applies the side effects of steps not yet reached. Once the engine
// subscription is taken, a later failure gives it back.
func (c *Controller) runSequence(ctx context.Context) (func(), error) {
	channels := []string{c.channel}

	if err := liveErr(ctx); err != nil {
		return nil, err
	}
	if err := c.cfg.Socket.EnsureConnected(ctx); err != nil {
		return nil, fmt.Errorf("connect socket: %w", err)
	}

	if err := liveErr(ctx); err != nil {
		return nil, err
	}
	status, err := c.cfg.API.GetRealtimeStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("get engine status: %w", err)
	}

	if status.Status != realtime.StatusRunning {
		if err := liveErr(ctx); err != nil {
			return nil, err
		}
		if err := c.cfg.API.StartRealtimeEngine(ctx); err != nil {
			return nil, fmt.Errorf("start engine: %w", err)
		}
	}

	if !status.Connected {
		if err := liveErr(ctx); err != nil {
			return nil, err
		}
		if err := c.cfg.API.ConnectExchange(ctx); err != nil {
			return nil, fmt.Errorf("connect exchange: %w", err)
		}
	}

	if err := liveErr(ctx); err != nil {
		return nil, err
	}
	if err := c.cfg.API.SubscribeKlineChannels(ctx, channels); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	if err := c.cfg.Socket.Subscribe(c.channel); err != nil {
		c.release(ctx, nil)
		return nil, fmt.Errorf("subscribe socket to %s: %w", c.channel, err)
	}

	if err := liveErr(ctx); err != nil {
		c.release(ctx, nil)
		return nil, err
	}
	return c.cfg.Socket.On(c.channel, c.cfg.Handler), nil
}

// liveErr reports ctx's error without blocking. Fake-clock contexts block in
// Err until they are done, so the check goes through the Done channel.
func liveErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// release drops the handler, the socket topic and the engine reference.
// It runs even when ctx is already canceled.
func (c *Controller) release(ctx context.Context, unregister func()) {
	ctx = context.WithoutCancel(ctx)
	if unregister != nil {
		unregister()
	}
	if err := c.cfg.Socket.Unsubscribe(c.channel); err != nil {
		c.logger.Warn().Err(err).Msg("Socket unsubscribe failed")
	}
	if err := c.cfg.API.UnsubscribeKlineChannels(ctx, []string{c.channel}); err != nil {
		c.logger.Warn().Err(err).Msg("Engine unsubscribe failed")
	}
}

// deactivate is best effort: the switch ends OFF even if the engine call
// fails.
func (c *Controller) deactivate(ctx context.Context) error {
	c.mu.Lock()
	unregister := c.unregister
	c.unregister = nil
	c.state = StateOff
	c.mu.Unlock()

	c.release(ctx, unregister)
	c.persist(ctx, false)
	c.logger.Info().Msg("Realtime disabled")
	return nil
}

// persist writes the transition. A failed write is logged; the switch
// position does not depend on it.
func (c *Controller) persist(ctx context.Context, on bool) {
	state := PersistedState{
		IsRealtime: on,
		Symbol:     c.cfg.Symbol,
		Period:     c.cfg.Period,
		Timestamp:  c.clock.Now().UnixMilli(),
	}
	// The caller's context may already be canceled when an activation
	// aborts; OFF must still be written.
	if err := saveState(context.WithoutCancel(ctx), c.cfg.Store, c.key, state); err != nil {
		c.logger.Error().Err(err).Bool("is_realtime", on).Msg("Failed to persist toggle state")
	}
}
