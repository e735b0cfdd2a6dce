package types

import "time"

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log shipping
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Stats tracks server counters for the health endpoint. All fields except
// StartTime are updated with sync/atomic.
type Stats struct {
	TotalConnections int64
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	StartTime        time.Time

	SlowClientsDisconnected int64
	RateLimitedMessages     int64
	HeartbeatEvictions      int64
}

// NewStats returns Stats stamped with the given start time.
func NewStats(start time.Time) *Stats {
	return &Stats{StartTime: start}
}
