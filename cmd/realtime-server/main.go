package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/pengwow/quantcell-realtime/internal/config"
	"github.com/pengwow/quantcell-realtime/internal/shared"
	"github.com/pengwow/quantcell-realtime/internal/shared/monitoring"
	"github.com/pengwow/quantcell-realtime/internal/shared/types"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Create basic logger for startup
	startup := log.New(os.Stdout, "[RT] ", log.LstdFlags)

	// automaxprocs rounds down to whole cores
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadServer(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   types.LogLevel(cfg.LogLevel),
		Format:  types.LogFormat(cfg.LogFormat),
		Service: "realtime-server",
	})
	cfg.LogConfig(logger)

	server, err := shared.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
