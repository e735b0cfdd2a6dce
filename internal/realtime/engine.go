package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/pubsub"
)

// Engine status values reported by Status.
const (
	StatusStopped = "stopped"
	StatusRunning = "running"
)

// Feed is an upstream market-data connection delivering raw kline payloads.
type Feed interface {
	Connect(ctx context.Context) error
	Connected() bool
	SubscribeKlines(channel string, handler func(payload []byte)) error
	UnsubscribeKlines(channel string) error
	OnStatusChange(fn func(connected bool))
	Close()
}

// Status is the engine state answered to GetRealtimeStatus.
type Status struct {
	Status    string   `json:"status"`
	Connected bool     `json:"connected"`
	Channels  []string `json:"channels"`
}

// Engine bridges the market feed to the broker.
//
// Lifecycle: Start puts it in "running"; Connect dials the exchange feed;
// kline channels can only be subscribed while both hold. Every kline tick
// is republished on the broker under its channel name, and feed up/down
// transitions are published on exchange:status.
type Engine struct {
	publisher pubsub.Publisher
	feed      Feed
	catalog   *Catalog
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	// channels counts subscribe requests per kline channel; the feed
	// subscription lives while the count is positive.
	channels map[string]int
}

// NewEngine creates a stopped engine. catalog may be nil.
func NewEngine(publisher pubsub.Publisher, feed Feed, catalog *Catalog, logger zerolog.Logger) *Engine {
	e := &Engine{
		publisher: publisher,
		feed:      feed,
		catalog:   catalog,
		logger:    logger.With().Str("component", "realtime_engine").Logger(),
		channels:  make(map[string]int),
	}
	feed.OnStatusChange(e.publishExchangeStatus)
	return e
}

// Start marks the engine running. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	already := e.running
	e.running = true
	e.mu.Unlock()

	if !already {
		e.logger.Info().Msg("Realtime engine started")
		e.publishExchangeStatus(e.feed.Connected())
	}
	return nil
}

// Connect dials the exchange feed. The engine must be running.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return messaging.NewSubscriptionError(messaging.CodeEngineNotReady, "realtime engine is not running", nil)
	}
	if e.feed.Connected() {
		return nil
	}
	if err := e.feed.Connect(ctx); err != nil {
		return messaging.NewConnectionError("connect exchange feed", err)
	}
	e.logger.Info().Msg("Exchange feed connected")
	e.publishExchangeStatus(true)
	return nil
}

// Status reports engine and feed state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Status:    StatusStopped,
		Connected: e.feed.Connected(),
		Channels:  e.channelsLocked(),
	}
	if e.running {
		s.Status = StatusRunning
	}
	return s
}

func (e *Engine) channelsLocked() []string {
	out := make([]string, 0, len(e.channels))
	for c := range e.channels {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (e *Engine) ready() error {
	if !e.running {
		return messaging.NewSubscriptionError(messaging.CodeEngineNotReady, "realtime engine is not running", nil)
	}
	if !e.feed.Connected() {
		return messaging.NewSubscriptionError(messaging.CodeExchangeNotConnected, "exchange feed is not connected", nil)
	}
	return nil
}

// SubscribeKlines starts streaming channels onto the broker. Each call
// holds one reference per channel, so independent dashboards can share a
// stream. Either every channel is valid and subscribed or none is.
func (e *Engine) SubscribeKlines(ctx context.Context, channels []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channels = uniqueChannels(channels)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}

	for _, ch := range channels {
		symbol, period, err := messaging.ParseKlineChannel(ch)
		if err != nil {
			return err
		}
		if !e.catalog.Allows(symbol, period) {
			return messaging.NewSubscriptionError(messaging.CodeSubscribeRejected,
				fmt.Sprintf("%s is not an offered market stream", ch), nil)
		}
	}

	for i, ch := range channels {
		if e.channels[ch] > 0 {
			e.channels[ch]++
			continue
		}
		topic := ch
		if err := e.feed.SubscribeKlines(ch, func(payload []byte) { e.forward(topic, payload) }); err != nil {
			e.releaseLocked(channels[:i])
			return messaging.NewSubscriptionError(messaging.CodeSubscribeRejected, "feed subscribe "+ch, err)
		}
		e.channels[ch] = 1
		e.logger.Info().Str("channel", ch).Msg("Kline channel subscribed")
	}
	return nil
}

// UnsubscribeKlines drops one reference per channel and stops streaming a
// channel once nobody holds it. Unknown channels are ignored.
func (e *Engine) UnsubscribeKlines(ctx context.Context, channels []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(uniqueChannels(channels))
}

func (e *Engine) releaseLocked(channels []string) error {
	var firstErr error
	for _, ch := range channels {
		n, ok := e.channels[ch]
		if !ok {
			continue
		}
		if n > 1 {
			e.channels[ch] = n - 1
			continue
		}
		if err := e.feed.UnsubscribeKlines(ch); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("feed unsubscribe %s: %w", ch, err)
			}
			continue
		}
		delete(e.channels, ch)
		e.logger.Info().Str("channel", ch).Msg("Kline channel unsubscribed")
	}
	return firstErr
}

func uniqueChannels(channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Stop drops every channel and closes the feed.
func (e *Engine) Stop() {
	e.mu.Lock()
	for ch := range e.channels {
		if err := e.feed.UnsubscribeKlines(ch); err != nil {
			e.logger.Debug().Err(err).Str("channel", ch).Msg("Feed unsubscribe failed during stop")
		}
	}
	clear(e.channels)
	e.running = false
	e.mu.Unlock()

	e.feed.Close()
	e.publishExchangeStatus(false)
	e.logger.Info().Msg("Realtime engine stopped")
}

func (e *Engine) forward(channel string, payload []byte) {
	monitoring.RecordIngest("kline")
	if _, err := e.publisher.Publish(channel, payload); err != nil {
		monitoring.RecordIngestError("kline")
		e.logger.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed kline payload")
	}
}

func (e *Engine) publishExchangeStatus(connected bool) {
	monitoring.SetIngestConnected("exchange", connected)
	e.mu.Lock()
	status := StatusStopped
	if e.running {
		status = StatusRunning
	}
	e.mu.Unlock()

	payload := map[string]any{"status": status, "connected": connected}
	if _, err := e.publisher.Publish(messaging.TopicExchangeStatus, payload); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to publish exchange status")
	}
}
