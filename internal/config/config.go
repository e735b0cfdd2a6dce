package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/pengwow/quantcell-realtime/internal/shared/types"
)

// loadDotEnv loads .env when present. Priority: env vars > .env > defaults.
func loadDotEnv(logger *zerolog.Logger) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
		return
	}
	if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}
}

func parse[T any](cfg *T, opts *env.Options) error {
	var err error
	if opts != nil {
		err = env.ParseWithOptions(cfg, *opts)
	} else {
		err = env.Parse(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func validateLogging(level, format string) error {
	switch types.LogLevel(level) {
	case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", level)
	}
	switch types.LogFormat(format) {
	case types.LogFormatJSON, types.LogFormatPretty:
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", format)
	}
	return nil
}
