package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/types"
)

// Config holds load test parameters. Every flag has an environment fallback.
type Config struct {
	WSURL             string
	HealthURL         string
	TargetConnections int
	RampRate          int
	SustainDuration   time.Duration
	ReportInterval    time.Duration
	HealthInterval    time.Duration
	ConnectTimeout    time.Duration
	Topics            []string
	SubscriptionMode  string // all, single, random
	TopicsPerClient   int
}

// Stats are shared by every connection goroutine.
type Stats struct {
	created       atomic.Int64
	active        atomic.Int64
	failed        atomic.Int64
	dropped       atomic.Int64
	acks          atomic.Int64
	events        atomic.Int64
	batches       atomic.Int64
	pings         atomic.Int64
	serverErrors  atomic.Int64
	dialErrors    sync.Map // error string -> *atomic.Int64
	errorCodes    sync.Map // error code -> *atomic.Int64
	lastCPU       atomic.Value
	lastMemMB     atomic.Value
	lastCapacity  atomic.Int64
	healthFailure atomic.Int64
}

// HealthResponse mirrors the parts of /health the report uses.
type HealthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Checks  struct {
		Capacity struct {
			Current int `json:"current"`
			Max     int `json:"max"`
		} `json:"capacity"`
		CPU struct {
			Percentage float64 `json:"percentage"`
		} `json:"cpu"`
		Memory struct {
			UsedMB float64 `json:"used_mb"`
		} `json:"memory"`
	} `json:"checks"`
}

type connection struct {
	id     int
	ws     *websocket.Conn
	topics []string

	writeMu sync.Mutex
}

func main() {
	cfg := parseFlags()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   types.LogLevelInfo,
		Format:  types.LogFormatPretty,
		Service: "realtime-loadtest",
	})

	if len(cfg.Topics) == 0 {
		logger.Fatal().Msg("At least one topic is required")
	}

	logger.Info().
		Str("url", cfg.WSURL).
		Int("connections", cfg.TargetConnections).
		Int("ramp_rate", cfg.RampRate).
		Dur("duration", cfg.SustainDuration).
		Strs("topics", cfg.Topics).
		Str("subscription_mode", cfg.SubscriptionMode).
		Msg("Starting load test")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stats := &Stats{}
	stats.lastCPU.Store(0.0)
	stats.lastMemMB.Store(0.0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		healthLoop(ctx, cfg, stats, logger)
	}()
	go func() {
		defer wg.Done()
		reportLoop(ctx, cfg, stats, logger)
	}()

	var conns sync.WaitGroup
	start := time.Now()
	if err := rampUp(ctx, cfg, stats, logger, &conns); err != nil {
		logger.Warn().Err(err).Msg("Ramp-up interrupted")
	} else {
		logger.Info().
			Int64("active", stats.active.Load()).
			Dur("took", time.Since(start)).
			Msg("Ramp-up complete, sustaining load")

		select {
		case <-ctx.Done():
		case <-time.After(cfg.SustainDuration):
		}
	}

	cancel()
	conns.Wait()
	wg.Wait()

	printReport(stats, logger.Info().Bool("final", true))
	logger.Info().Msg("Load test finished")
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:8080/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:8080/health"), "Health check URL")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 100), "Connections per second during ramp-up")
	flag.DurationVar(&cfg.SustainDuration, "duration", getEnvDuration("DURATION", 5*time.Minute), "Sustain duration")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "Report interval")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", 5*time.Second, "Health check interval")
	flag.DurationVar(&cfg.ConnectTimeout, "connection-timeout", getEnvDuration("CONNECTION_TIMEOUT", 10*time.Second), "Connection timeout")

	topicsStr := flag.String("topics", getEnv("TOPICS", "task:progress,task:status,system:notification"), "Comma-separated list of topics")
	flag.StringVar(&cfg.SubscriptionMode, "subscription-mode", getEnv("SUBSCRIPTION_MODE", "all"), "Subscription mode: all, single, random")
	flag.IntVar(&cfg.TopicsPerClient, "topics-per-client", getEnvInt("TOPICS_PER_CLIENT", 2), "Topics per client (random mode)")

	flag.Parse()

	for _, t := range strings.Split(*topicsStr, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Topics = append(cfg.Topics, t)
		}
	}
	if cfg.RampRate <= 0 {
		cfg.RampRate = 1
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// rampUp opens connections at cfg.RampRate per second until the target is
// reached or ctx ends. Each connection runs until ctx is canceled.
func rampUp(ctx context.Context, cfg *Config, stats *Stats, logger zerolog.Logger, conns *sync.WaitGroup) error {
	limiter := rate.NewLimiter(rate.Limit(cfg.RampRate), max(1, cfg.RampRate/10))

	for id := 0; id < cfg.TargetConnections; id++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		stats.created.Add(1)

		conns.Add(1)
		go func(id int) {
			defer conns.Done()
			c, err := dial(ctx, cfg, id)
			if err != nil {
				stats.failed.Add(1)
				counter(&stats.dialErrors, err.Error()).Add(1)
				logger.Debug().Err(err).Int("conn", id).Msg("Dial failed")
				return
			}
			stats.active.Add(1)
			defer stats.active.Add(-1)
			c.run(ctx, stats)
		}(id)
	}
	return nil
}

func dial(ctx context.Context, cfg *Config, id int) (*connection, error) {
	u, err := url.Parse(cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("client_id", fmt.Sprintf("loadtest-%d-%d", os.Getpid(), id))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &connection{id: id, ws: ws, topics: pickTopics(cfg, id)}, nil
}

func pickTopics(cfg *Config, id int) []string {
	switch cfg.SubscriptionMode {
	case "single":
		return []string{cfg.Topics[id%len(cfg.Topics)]}
	case "random":
		n := min(cfg.TopicsPerClient, len(cfg.Topics))
		out := make([]string, 0, n)
		for _, i := range rand.Perm(len(cfg.Topics))[:n] {
			out = append(out, cfg.Topics[i])
		}
		return out
	default:
		return cfg.Topics
	}
}

// run subscribes and reads until the socket drops or ctx ends.
func (c *connection) run(ctx context.Context, stats *Stats) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			c.ws.Close()
		case <-done:
		}
	}()

	if err := c.send(messaging.NewSubscriptionRequest(messaging.TypeSubscribe, c.topics, time.Now())); err != nil {
		c.ws.Close()
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				stats.dropped.Add(1)
			}
			c.ws.Close()
			return
		}

		envs, err := messaging.DecodeFrame(data)
		if err != nil {
			counter(&stats.errorCodes, "DECODE").Add(1)
			continue
		}
		if len(envs) > 1 || strings.HasPrefix(string(data), `{"type":"batch"`) {
			stats.batches.Add(1)
		}
		for _, env := range envs {
			switch env.Type {
			case messaging.TypePing:
				stats.pings.Add(1)
				_ = c.send(messaging.NewPong())
			case messaging.TypeSubscribe, messaging.TypeUnsubscribe:
				stats.acks.Add(1)
			case messaging.TypeError:
				stats.serverErrors.Add(1)
				code := "UNKNOWN"
				if env.Error != nil {
					code = env.Error.Code
				}
				counter(&stats.errorCodes, code).Add(1)
			default:
				stats.events.Add(1)
			}
		}
	}
}

func (c *connection) send(env messaging.Envelope) error {
	data, err := messaging.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func counter(m *sync.Map, key string) *atomic.Int64 {
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func healthLoop(ctx context.Context, cfg *Config, stats *Stats, logger zerolog.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h, err := checkHealth(ctx, client, cfg.HealthURL)
			if err != nil {
				stats.healthFailure.Add(1)
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("Health check failed")
				}
				continue
			}
			stats.lastCPU.Store(h.Checks.CPU.Percentage)
			stats.lastMemMB.Store(h.Checks.Memory.UsedMB)
			stats.lastCapacity.Store(int64(h.Checks.Capacity.Current))
			if !h.Healthy {
				logger.Warn().Str("status", h.Status).Msg("Server reports unhealthy")
			}
		}
	}
}

// checkHealth decodes the body for 503 too; an unhealthy server still reports.
func checkHealth(ctx context.Context, client *http.Client, healthURL string) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health (status %d): %w", resp.StatusCode, err)
	}
	return &h, nil
}

func reportLoop(ctx context.Context, cfg *Config, stats *Stats, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()

	var lastEvents int64
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			events := stats.events.Load()
			perSec := float64(events-lastEvents) / now.Sub(last).Seconds()
			lastEvents, last = events, now
			printReport(stats, logger.Info().Float64("events_per_sec", perSec))
		}
	}
}

func printReport(stats *Stats, ev *zerolog.Event) {
	dialErrs := zerolog.Dict()
	stats.dialErrors.Range(func(k, v any) bool {
		dialErrs.Int64(k.(string), v.(*atomic.Int64).Load())
		return true
	})
	codes := zerolog.Dict()
	stats.errorCodes.Range(func(k, v any) bool {
		codes.Int64(k.(string), v.(*atomic.Int64).Load())
		return true
	})

	ev.
		Int64("created", stats.created.Load()).
		Int64("active", stats.active.Load()).
		Int64("failed", stats.failed.Load()).
		Int64("dropped", stats.dropped.Load()).
		Int64("acks", stats.acks.Load()).
		Int64("events", stats.events.Load()).
		Int64("batches", stats.batches.Load()).
		Int64("pings", stats.pings.Load()).
		Int64("server_errors", stats.serverErrors.Load()).
		Dict("dial_errors", dialErrs).
		Dict("error_codes", codes).
		Float64("server_cpu", stats.lastCPU.Load().(float64)).
		Float64("server_mem_mb", stats.lastMemMB.Load().(float64)).
		Int64("server_connections", stats.lastCapacity.Load()).
		Int64("health_failures", stats.healthFailure.Load()).
		Msg("Load report")
}
