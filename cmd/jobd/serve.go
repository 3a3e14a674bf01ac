package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobd/internal/app"
	"jobd/internal/config"
	logx "jobd/pkg/logx"
)

var stopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon (scheduler, executor and HTTP API)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// --addr overrides the config file like JOBD_HTTP_ADDR does, and
		// survives hot reloads.
		if addrFlag != "" {
			if err := os.Setenv(config.EnvHTTPAddr, addrFlag); err != nil {
				return err
			}
		}
		if token != "" {
			if err := os.Setenv(config.EnvHTTPToken, token); err != nil {
				return err
			}
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		ctx := context.Background()
		a, err := app.NewApp(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
			defer cancel()
			_ = a.Stop(stopCtx, app.StopFatalError)
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

		// A second signal abandons a slow shutdown. The app logger may already
		// be closed at that point, so report it on a standalone console logger.
		go func() {
			sig := <-sigs
			logx.NewConsole("info").Warn("second signal; exiting without graceful shutdown", logx.String("signal", sig.String()))
			os.Exit(130)
		}()

		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, reason)
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
}
