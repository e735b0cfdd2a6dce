package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pengwow/quantcell-realtime/internal/client"
	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch TOPIC [TOPIC...]",
		Short: "Subscribe to topics and print every event as a JSON line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rc, err := client.New(cfg, logger)
			if err != nil {
				return err
			}
			defer rc.Close()

			out := json.NewEncoder(os.Stdout)
			emit := func(env messaging.Envelope) { _ = out.Encode(env) }
			for _, topic := range args {
				defer rc.On(topic, emit)()
			}
			defer rc.OnError(emit)()

			if err := rc.Subscribe(args...); err != nil {
				return err
			}
			if err := rc.EnsureConnected(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
}
