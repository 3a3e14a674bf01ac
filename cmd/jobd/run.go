package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"jobd/internal/client"
	"jobd/internal/storage"
)

var (
	runWait  bool
	runsLim  int
	runsFull bool
)

var runCmd = &cobra.Command{
	Use:   "run JOB_ID",
	Short: "Start a run now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args, func(ctx context.Context, id int64) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !runWait {
				acc, err := c.RunJob(ctx, id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, acc)
				}
				fmt.Fprintf(out, "started run %d of job %d\n", acc.RunID, acc.JobID)
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, client.DefaultWaitTimeout)
			defer cancel()
			run, err := c.RunJobWait(wctx, id)
			if err != nil {
				return err
			}
			if err := printRun(out, run); err != nil {
				return err
			}
			if run.Status != storage.RunSuccess {
				return fmt.Errorf("run %d %s", run.ID, run.Status)
			}
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop JOB_ID",
	Short: "Stop the run in flight (SIGTERM, SIGKILL after the grace period)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args, func(ctx context.Context, id int64) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.StopJob(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for job %d\n", id)
			return nil
		})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs JOB_ID",
	Short: "List recent runs of a job, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args, func(ctx context.Context, id int64) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			runs, err := c.JobRuns(ctx, id, runsLim)
			if err != nil {
				return err
			}
			if runsFull && !asJSON {
				for _, r := range runs {
					if err := printRun(cmd.OutOrStdout(), r); err != nil {
						return err
					}
				}
				return nil
			}
			return printRuns(cmd.OutOrStdout(), runs)
		})
	},
}

var outputCmd = &cobra.Command{
	Use:   "output JOB_ID",
	Short: "Print the output captured so far by the run in flight",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args, func(ctx context.Context, id int64) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			live, err := c.LiveOutput(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, live)
			}
			_, _ = io.WriteString(out, live.Stdout)
			_, _ = io.WriteString(cmd.ErrOrStderr(), live.Stderr)
			return nil
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runWait, "wait", false, "block until the run finishes and print it")
	runsCmd.Flags().IntVarP(&runsLim, "limit", "n", 10, "number of runs")
	runsCmd.Flags().BoolVar(&runsFull, "full", false, "include captured output")
}
