package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatdigest/internal/app"

	"github.com/spf13/cobra"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot: capture messages, serve /digest and run scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return errors.Join(a.Err(), stopErr)
			}
			return stopErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
