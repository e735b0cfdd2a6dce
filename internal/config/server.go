package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Server holds all realtime server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Server struct {
	Addr           string `env:"REALTIME_ADDR" envDefault:":8765"`
	MaxConnections int    `env:"REALTIME_MAX_CONNECTIONS" envDefault:"5000"`

	// Outbound batching
	BatchSize          int           `env:"REALTIME_BATCH_SIZE" envDefault:"10"`
	BatchInterval      time.Duration `env:"REALTIME_BATCH_INTERVAL" envDefault:"100ms"`
	QueueCap           int           `env:"REALTIME_QUEUE_CAP" envDefault:"1024"`
	MaxOverflowStrikes int           `env:"REALTIME_MAX_OVERFLOW_STRIKES" envDefault:"3"`
	ShardCount         int           `env:"REALTIME_SHARD_COUNT" envDefault:"32"`

	// Inbound rate limiting (per connection)
	InboundLimit      int           `env:"REALTIME_INBOUND_LIMIT" envDefault:"100"`
	InboundWindow     time.Duration `env:"REALTIME_INBOUND_WINDOW" envDefault:"1s"`
	InboundMaxStrikes int           `env:"REALTIME_INBOUND_MAX_STRIKES" envDefault:"20"`

	// Heartbeat
	PingInterval   time.Duration `env:"REALTIME_PING_INTERVAL" envDefault:"30s"`
	MaxMissedPongs int           `env:"REALTIME_MAX_MISSED_PONGS" envDefault:"2"`

	// Handshake rate limiting
	ConnIPBurst     int     `env:"REALTIME_CONN_IP_BURST" envDefault:"10"`
	ConnIPRate      float64 `env:"REALTIME_CONN_IP_RATE" envDefault:"1.0"`
	ConnGlobalBurst int     `env:"REALTIME_CONN_GLOBAL_BURST" envDefault:"300"`
	ConnGlobalRate  float64 `env:"REALTIME_CONN_GLOBAL_RATE" envDefault:"50.0"`

	// Resource guard
	CPURejectThreshold float64 `env:"REALTIME_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"REALTIME_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`
	MemoryLimit        int64   `env:"REALTIME_MEMORY_LIMIT" envDefault:"0"`
	MaxGoroutines      int     `env:"REALTIME_MAX_GOROUTINES" envDefault:"0"`
	MaxIngestRate      int     `env:"REALTIME_MAX_INGEST_RATE" envDefault:"1000"`

	// Auth. An empty secret disables token checks.
	JWTSecret string `env:"REALTIME_JWT_SECRET"`

	// Producers. Empty addresses disable the corresponding feed.
	NATSURL            string   `env:"NATS_URL"`
	NATSSubjectPrefix  string   `env:"NATS_KLINE_SUBJECT_PREFIX" envDefault:"kline"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"realtime-server"`
	KafkaTopics        []string `env:"KAFKA_TASK_TOPICS" envSeparator:"," envDefault:"task.progress,task.status"`

	// Optional YAML catalog of tradable symbols and kline periods.
	MarketsFile string `env:"REALTIME_MARKETS_FILE"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadServer reads server configuration from .env and the environment.
// logger may be nil.
func LoadServer(logger *zerolog.Logger) (*Server, error) {
	loadDotEnv(logger)
	return parseServer(nil)
}

func parseServer(opts *env.Options) (*Server, error) {
	cfg := &Server{}
	if err := parse(cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Server) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("REALTIME_ADDR is required")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("REALTIME_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("REALTIME_BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("REALTIME_BATCH_INTERVAL must be > 0, got %s", c.BatchInterval)
	}
	if c.QueueCap < c.BatchSize {
		return fmt.Errorf("REALTIME_QUEUE_CAP (%d) must be >= REALTIME_BATCH_SIZE (%d)", c.QueueCap, c.BatchSize)
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("REALTIME_SHARD_COUNT must be > 0, got %d", c.ShardCount)
	}
	if c.InboundLimit < 1 || c.InboundWindow <= 0 {
		return fmt.Errorf("REALTIME_INBOUND_LIMIT and REALTIME_INBOUND_WINDOW must be > 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("REALTIME_PING_INTERVAL must be > 0, got %s", c.PingInterval)
	}
	if c.MaxMissedPongs < 1 {
		return fmt.Errorf("REALTIME_MAX_MISSED_PONGS must be > 0, got %d", c.MaxMissedPongs)
	}

	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("REALTIME_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("REALTIME_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("REALTIME_CPU_PAUSE_THRESHOLD (%.1f) must be >= REALTIME_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	return validateLogging(c.LogLevel, c.LogFormat)
}

// ReadTimeout is how long a connection may stay silent before its read
// loop gives up: one interval per tolerated missed pong, plus one.
func (c *Server) ReadTimeout() time.Duration {
	return c.PingInterval * time.Duration(c.MaxMissedPongs+1)
}

// LogConfig logs configuration using structured logging
func (c *Server) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("batch_size", c.BatchSize).
		Dur("batch_interval", c.BatchInterval).
		Int("queue_cap", c.QueueCap).
		Int("shard_count", c.ShardCount).
		Int("inbound_limit", c.InboundLimit).
		Dur("inbound_window", c.InboundWindow).
		Int("inbound_max_strikes", c.InboundMaxStrikes).
		Dur("ping_interval", c.PingInterval).
		Int("max_missed_pongs", c.MaxMissedPongs).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Bool("auth_enabled", c.JWTSecret != "").
		Bool("nats_enabled", c.NATSURL != "").
		Str("markets_file", c.MarketsFile).
		Strs("kafka_brokers", c.KafkaBrokers).
		Strs("kafka_topics", c.KafkaTopics).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
