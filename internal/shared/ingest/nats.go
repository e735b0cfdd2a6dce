// Package ingest connects backend producers to the broker: market klines
// arrive over NATS, task progress and status over Kafka.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
)

const sourceNATS = "nats"

// NATSConfig configures the market feed connection.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// NATSFeed streams kline payloads published on <prefix>.<SYMBOL>.<period>.
type NATSFeed struct {
	config NATSConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	conn     *nats.Conn
	subs     map[string]*nats.Subscription
	onStatus func(connected bool)
}

// NewNATSFeed creates an unconnected feed.
func NewNATSFeed(config NATSConfig, logger zerolog.Logger) *NATSFeed {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "kline"
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 20 * time.Second
	}
	return &NATSFeed{
		config: config,
		logger: logger.With().Str("component", "nats_feed").Logger(),
		subs:   make(map[string]*nats.Subscription),
	}
}

// KlineSubject maps a kline channel to its NATS subject.
func KlineSubject(prefix, channel string) (string, error) {
	symbol, period, err := messaging.ParseKlineChannel(channel)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{prefix, symbol, period}, "."), nil
}

// OnStatusChange registers fn for connection up/down transitions. Must be
// called before Connect.
func (f *NATSFeed) OnStatusChange(fn func(connected bool)) {
	f.mu.Lock()
	f.onStatus = fn
	f.mu.Unlock()
}

// Connect dials NATS. Reconnects are handled by the client library.
func (f *NATSFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil && !f.conn.IsClosed() {
		return nil
	}

	opts := []nats.Option{
		nats.Name("quantcell-realtime"),
		nats.MaxReconnects(f.config.MaxReconnects),
		nats.ReconnectWait(f.config.ReconnectWait),
		nats.PingInterval(f.config.PingInterval),
		nats.DisconnectErrHandler(f.disconnectHandler),
		nats.ReconnectHandler(f.reconnectHandler),
		nats.ErrorHandler(f.errorHandler),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	conn, err := nats.Connect(f.config.URL, opts...)
	if err != nil {
		monitoring.RecordIngestError(sourceNATS)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	f.conn = conn
	monitoring.SetIngestConnected(sourceNATS, true)
	f.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return nil
}

// Connected reports whether the connection is currently up.
func (f *NATSFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.conn != nil && f.conn.IsConnected()
}

func (f *NATSFeed) notify(connected bool) {
	monitoring.SetIngestConnected(sourceNATS, connected)
	f.mu.RLock()
	fn := f.onStatus
	f.mu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

func (f *NATSFeed) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		f.logger.Warn().Err(err).Msg("Disconnected from NATS")
		monitoring.RecordIngestError(sourceNATS)
	} else {
		f.logger.Info().Msg("Disconnected from NATS")
	}
	f.notify(false)
}

func (f *NATSFeed) reconnectHandler(conn *nats.Conn) {
	f.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	f.notify(true)
}

func (f *NATSFeed) errorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	event := f.logger.Error().Err(err)
	if sub != nil {
		event = event.Str("subject", sub.Subject)
	}
	event.Msg("NATS error")
	monitoring.RecordIngestError(sourceNATS)
}

// SubscribeKlines delivers every message on the channel's subject to handler.
func (f *NATSFeed) SubscribeKlines(channel string, handler func(payload []byte)) error {
	subject, err := KlineSubject(f.config.SubjectPrefix, channel)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return messaging.NewConnectionError("nats feed is not connected", nil)
	}
	if _, ok := f.subs[channel]; ok {
		return nil
	}

	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	f.subs[channel] = sub
	f.logger.Debug().Str("subject", subject).Msg("Subscribed to NATS subject")
	return nil
}

// UnsubscribeKlines stops delivery for channel. Unknown channels are ignored.
func (f *NATSFeed) UnsubscribeKlines(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[channel]
	if !ok {
		return nil
	}
	delete(f.subs, channel)
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("failed to unsubscribe from %s: %w", sub.Subject, err)
	}
	return nil
}

// Close drops all subscriptions and the connection.
func (f *NATSFeed) Close() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	clear(f.subs)
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
		monitoring.SetIngestConnected(sourceNATS, false)
	}
}
