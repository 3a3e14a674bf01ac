package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobd/internal/eventbus"
)

var watchJob int64

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream status events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		err = c.Events(ctx, watchJob, func(ev eventbus.Event) error {
			if asJSON {
				return writeJSON(out, ev)
			}
			fmt.Fprintln(out, formatEvent(ev))
			return nil
		})
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().Int64Var(&watchJob, "job", 0, "only events of this job")
}
