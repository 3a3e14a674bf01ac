package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"jobd/internal/transport/httpapi"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

var (
	createWorktree string
	createCron     string
)

var createCmd = &cobra.Command{
	Use:   "create NAME COMMAND",
	Short: "Create a job (scheduled when --cron is set)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wt := createWorktree
		if wt == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			wt = wd
		}
		wt, err := filepath.Abs(wt)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		job, err := c.CreateJob(cmd.Context(), httpapi.CreateJobRequest{
			WorktreePath: wt,
			Name:         args[0],
			Command:      args[1],
			Cron:         createCron,
		})
		if err != nil {
			return err
		}
		return printJob(cmd.OutOrStdout(), job)
	},
}

var listWorktree string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		jobs, err := c.ListJobs(cmd.Context(), listWorktree)
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs)
	},
}

var showCmd = &cobra.Command{
	Use:   "show JOB_ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args, func(ctx context.Context, id int64) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			job, err := c.GetJob(ctx, id)
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), job)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete JOB_ID",
	Short: "Delete a job and its runs (kills a run in flight)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args, func(ctx context.Context, id int64) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteJob(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted job %d\n", id)
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate CRON",
	Short: "Check a cron expression against the daemon's parser",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.ValidateCron(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("invalid: %s", res.Error)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "valid")
		return nil
	},
}

func withJob(cmd *cobra.Command, args []string, fn func(ctx context.Context, id int64) error) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return fn(cmd.Context(), id)
}

func init() {
	createCmd.Flags().StringVarP(&createWorktree, "worktree", "w", "", "working directory (default: current directory)")
	createCmd.Flags().StringVar(&createCron, "cron", "", `cron expression, e.g. "*/5 * * * *" or "@hourly"`)
	listCmd.Flags().StringVarP(&listWorktree, "worktree", "w", "", "only jobs of this worktree")
}
