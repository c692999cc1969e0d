package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"overseer/internal/app"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion listener, dispatch loop and chat bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
				_ = a.Stop(stopCtx, app.StopComponentFatal)
				stop()
				return err
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			reason := app.StopSignal
			if err := a.Err(); err != nil {
				reason = app.StopComponentFatal
				if errors.Is(err, app.ErrListenerDown) {
					reason = app.StopListenerFatal
				}
			}

			stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
			defer stop()
			_ = a.Stop(stopCtx, reason)
			if reason != app.StopSignal {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
