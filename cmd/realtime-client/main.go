package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pengwow/quantcell-realtime/internal/config"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/types"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "realtime-client",
		Short:         "Dashboard client for the realtime server",
		Long:          "Connects to the realtime server with automatic reconnect, watches topics and drives the kline realtime switch.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")

	rootCmd.AddCommand(newWatchCmd(), newToggleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger. Logs go to stderr so
// stdout carries only event output.
func setup(cmd *cobra.Command) (*config.Client, zerolog.Logger, error) {
	cfg, err := config.LoadClient(nil)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   types.LogLevel(cfg.LogLevel),
		Format:  types.LogFormat(cfg.LogFormat),
		Service: "realtime-client",
		Output:  os.Stderr,
	})
	cfg.LogConfig(logger)
	return cfg, logger, nil
}
