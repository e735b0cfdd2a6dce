// Package shared is the WebSocket server: handshake admission, per
// connection read and flush loops, the heartbeat, and the HTTP surface.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/config"
	"github.com/pengwow/quantcell-realtime/internal/realtime"
	"github.com/pengwow/quantcell-realtime/internal/shared/auth"
	"github.com/pengwow/quantcell-realtime/internal/shared/ingest"
	"github.com/pengwow/quantcell-realtime/internal/shared/limits"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/pubsub"
	"github.com/pengwow/quantcell-realtime/internal/shared/types"
)

// Handshake tokens are only verified here, never issued, so the duration
// passed to the manager is unused.
const tokenDuration = 24 * time.Hour

// Option customizes a Server.
type Option func(*Server)

// WithClock replaces the wall clock used by every timed component.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithFeed sets the market feed behind the realtime engine. Without it the
// server dials NATS when NATS_URL is set and runs no engine otherwise.
func WithFeed(feed realtime.Feed) Option {
	return func(s *Server) { s.feed = feed }
}

// WithCPUSampler replaces host CPU sampling.
func WithCPUSampler(sampler monitoring.CPUSampler) Option {
	return func(s *Server) { s.cpuSampler = sampler }
}

type Server struct {
	config     *config.Server
	logger     zerolog.Logger
	clock      clockwork.Clock
	cpuSampler monitoring.CPUSampler
	feed       realtime.Feed

	registry  *pubsub.Registry
	broker    *pubsub.Broker
	batcher   *pubsub.Batcher
	heartbeat *pubsub.HeartbeatMonitor

	inboundLimiter        *limits.InboundLimiter
	connectionRateLimiter *limits.ConnectionRateLimiter
	resourceGuard         *limits.ResourceGuard
	systemMonitor         *monitoring.SystemMonitor
	jwt                   *auth.JWTManager

	engine       *realtime.Engine
	taskConsumer *ingest.TaskConsumer

	listener   net.Listener
	httpServer *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	// Flush loops run under their own context so Shutdown can stop them
	// before the final drain.
	flushCtx     context.Context
	stopFlush    context.CancelFunc
	flushMu      sync.Mutex
	flushStopped bool
	flushWG      sync.WaitGroup

	stats *types.Stats
}

// NewServer wires every server component from cfg.
func NewServer(cfg *config.Server, logger zerolog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.flushCtx, s.stopFlush = context.WithCancel(s.ctx)
	s.stats = types.NewStats(s.clock.Now())

	s.registry = pubsub.NewRegistry(pubsub.ConnectionOptions{
		QueueCap:           cfg.QueueCap,
		BatchSize:          cfg.BatchSize,
		MaxOverflowStrikes: cfg.MaxOverflowStrikes,
	}, s.clock, logger)
	s.registry.OnRemove(s.countDisconnect)
	s.broker = pubsub.NewBroker(s.registry, cfg.ShardCount, s.clock, logger)
	s.batcher = pubsub.NewBatcher(s.registry, cfg.BatchInterval, cfg.BatchSize, s.clock, logger)
	s.heartbeat = pubsub.NewHeartbeatMonitor(s.registry, cfg.PingInterval, cfg.MaxMissedPongs, s.clock, logger)

	s.inboundLimiter = limits.NewInboundLimiter(limits.InboundLimiterConfig{
		Limit:      cfg.InboundLimit,
		Window:     cfg.InboundWindow,
		MaxStrikes: cfg.InboundMaxStrikes,
	}, s.clock)
	s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnIPBurst,
		IPRate:      cfg.ConnIPRate,
		IPTTL:       5 * time.Minute,
		GlobalBurst: cfg.ConnGlobalBurst,
		GlobalRate:  cfg.ConnGlobalRate,
		Clock:       s.clock,
		Logger:      logger,
	})
	s.systemMonitor = monitoring.NewSystemMonitor(logger, s.clock, s.cpuSampler)
	s.resourceGuard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MemoryLimitBytes:   cfg.MemoryLimit,
		MaxGoroutines:      cfg.MaxGoroutines,
		MaxIngestPerSec:    cfg.MaxIngestRate,
	}, s.systemMonitor, s.registry.Len, logger)

	if cfg.JWTSecret != "" {
		s.jwt = auth.NewJWTManager(cfg.JWTSecret, tokenDuration, s.clock)
		logger.Info().Msg("JWT handshake authentication enabled")
	}

	if err := s.initEngine(); err != nil {
		return nil, err
	}

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := ingest.NewTaskConsumer(ingest.TaskConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        cfg.KafkaTopics,
			Publisher:     s.broker,
			Guard:         s.resourceGuard,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		s.taskConsumer = consumer
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("max_connections", cfg.MaxConnections).
		Bool("engine_enabled", s.engine != nil).
		Bool("kafka_enabled", s.taskConsumer != nil).
		Msg("Server initialized")

	return s, nil
}

func (s *Server) initEngine() error {
	if s.feed == nil && s.config.NATSURL != "" {
		s.feed = ingest.NewNATSFeed(ingest.NATSConfig{
			URL:           s.config.NATSURL,
			SubjectPrefix: s.config.NATSSubjectPrefix,
		}, s.logger)
	}
	if s.feed == nil {
		s.logger.Warn().Msg("No market feed configured, realtime engine API disabled")
		return nil
	}

	var catalog *realtime.Catalog
	if s.config.MarketsFile != "" {
		c, err := realtime.LoadCatalog(s.config.MarketsFile)
		if err != nil {
			return err
		}
		catalog = c
		s.logger.Info().Int("symbols", c.Len()).Msg("Market catalog loaded")
	}
	s.engine = realtime.NewEngine(s.broker, s.feed, catalog, s.logger)
	return nil
}

// Broker returns the publisher producers use.
func (s *Server) Broker() *pubsub.Broker { return s.broker }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/ws/task", s.handleTaskWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	if s.engine != nil {
		api := http.NewServeMux()
		realtime.NewHandler(s.engine, s.logger).Register(api)
		var h http.Handler = api
		if s.jwt != nil {
			h = s.jwt.Middleware(api)
		}
		mux.Handle("/api/realtime/", h)
	}
	return mux
}

// Start listens on the configured address and starts the background loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Server listening")

	s.systemMonitor.Start(s.ctx, s.config.MetricsInterval)
	s.connectionRateLimiter.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(s.ctx)
	}()

	if s.taskConsumer != nil {
		s.taskConsumer.Start(s.ctx)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and producers, flushes what is
// queued, and closes every connection with 1001.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Initiating graceful shutdown")

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	if s.taskConsumer != nil {
		s.taskConsumer.Stop()
	}
	if s.engine != nil {
		s.engine.Stop()
	}

	if err := s.stopFlushLoops(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Flush loops still running, skipping final drain")
	} else {
		s.registry.Range(func(conn *pubsub.Connection) bool {
			_ = s.batcher.Flush(conn, false)
			return true
		})
	}
	closed := s.registry.CloseAll(monitoring.DisconnectReasonShutdown)
	s.logger.Info().Int("connections", closed).Msg("Connections closed")

	s.cancel()
	s.systemMonitor.Shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached before all goroutines exited")
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}
	return shutdownErr
}

// startFlushLoop runs conn's flush loop. It refuses once shutdown has
// stopped the loops.
func (s *Server) startFlushLoop(conn *pubsub.Connection) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.flushStopped {
		return false
	}
	s.flushWG.Add(1)
	go func() {
		defer s.flushWG.Done()
		s.batcher.Run(s.flushCtx, conn)
	}()
	return true
}

// stopFlushLoops ends every flush loop and waits for them, leaving the
// shutdown drain as the only writer of each queue.
func (s *Server) stopFlushLoops(ctx context.Context) error {
	s.flushMu.Lock()
	s.flushStopped = true
	s.flushMu.Unlock()
	s.stopFlush()

	done := make(chan struct{})
	go func() {
		s.flushWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) countDisconnect(_ *pubsub.Connection, _ []string, reason string) {
	switch reason {
	case monitoring.DisconnectReasonSlowConsumer:
		atomic.AddInt64(&s.stats.SlowClientsDisconnected, 1)
	case monitoring.DisconnectReasonHeartbeatTimeout:
		atomic.AddInt64(&s.stats.HeartbeatEvictions, 1)
	}
}
