package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pengwow/quantcell-realtime/internal/client"
	"github.com/pengwow/quantcell-realtime/internal/client/api"
	"github.com/pengwow/quantcell-realtime/internal/client/store"
	"github.com/pengwow/quantcell-realtime/internal/client/toggle"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

func newToggleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "Drive a kline realtime switch from stdin",
		Long: `Opens a chart view for --symbol/--period, resumes the persisted switch state
if it is fresh, then reads commands from stdin, one per line:

  on | off | toggle | status | quit

Kline events are printed to stdout as JSON lines while the switch is on.`,
		RunE: runToggle,
	}
	cmd.Flags().String("instance", "chart", "toggle instance name; selects the persisted state key")
	cmd.Flags().String("symbol", "BTCUSDT", "market symbol")
	cmd.Flags().String("period", "1m", "kline period")
	return cmd
}

func runToggle(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	instance, _ := cmd.Flags().GetString("instance")
	symbol, _ := cmd.Flags().GetString("symbol")
	period, _ := cmd.Flags().GetString("period")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rc, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	defer rc.Close()

	out := json.NewEncoder(os.Stdout)
	ctrl, err := toggle.NewController(toggle.Config{
		Instance:          instance,
		Symbol:            strings.ToUpper(symbol),
		Period:            period,
		Cooldown:          cfg.ToggleCooldown,
		FreshnessWindow:   cfg.FreshnessWindow,
		ActivationTimeout: cfg.ActivationTimeout,
		API:               api.NewFromConfig(cfg),
		Socket:            rc,
		Store:             st,
		Handler:           func(env messaging.Envelope) { _ = out.Encode(env) },
		Notify: func(err error) {
			fmt.Fprintf(os.Stderr, "realtime could not be enabled: %v\n", err)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		// Leaving the view releases the stream but keeps the saved state,
		// so the next run resumes it.
		closeCtx, done := context.WithTimeout(context.Background(), cfg.ActivationTimeout)
		defer done()
		if err := ctrl.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("Toggle close did not complete")
		}
	}()

	if err := ctrl.Resume(ctx); err != nil {
		logger.Debug().Err(err).Msg("Resume did not complete")
	}
	fmt.Fprintf(os.Stderr, "%s realtime: %s\n", ctrl.Channel(), ctrl.State())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var op func(context.Context) error
			switch line {
			case "on":
				op = ctrl.Enable
			case "off":
				op = ctrl.Disable
			case "toggle", "":
				op = ctrl.Toggle
			case "status":
				fmt.Fprintf(os.Stderr, "%s realtime: %s\n", ctrl.Channel(), ctrl.State())
				continue
			case "quit", "exit":
				return nil
			default:
				fmt.Fprintf(os.Stderr, "unknown command %q\n", line)
				continue
			}
			// Commands run concurrently like clicks on a switch, so "off"
			// can cancel an activation that is still in flight.
			go func() {
				switch err := op(ctx); {
				case errors.Is(err, toggle.ErrBusy):
					fmt.Fprintln(os.Stderr, "busy, ignored")
					return
				case errors.Is(err, toggle.ErrClosed):
					return
				}
				fmt.Fprintf(os.Stderr, "%s realtime: %s\n", ctrl.Channel(), ctrl.State())
			}()
		}
	}
}
