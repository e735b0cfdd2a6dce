package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/pengwow/quantcell-realtime/internal/shared/types"
	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level   types.LogLevel  // Minimum log level
	Format  types.LogFormat // Output format
	Service string          // Value of the "service" field, defaults to "realtime-server"
	Output  io.Writer       // Defaults to os.Stdout
}

// NewLogger creates a structured logger.
//
// Every entry carries a timestamp, the caller and a "service" field so
// server and client logs can be told apart once shipped.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{
//	    Level:  types.LogLevelInfo,
//	    Format: types.LogFormatJSON,
//	})
//	logger.Info().
//	    Str("component", "broker").
//	    Int("topics", 12).
//	    Msg("Broker ready")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var level zerolog.Level
	switch config.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelInfo:
		level = zerolog.InfoLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "realtime-server"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// LogError logs an error with additional context fields.
//
//	LogError(logger, err, "Failed to flush batch", map[string]any{
//	    "client_id": conn.ID(),
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is deferred at the top of every long-lived goroutine.
// It logs the panic with a stack trace and lets the process keep running.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "flushLoop", map[string]any{"client_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
