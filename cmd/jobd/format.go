package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"jobd/internal/eventbus"
	"jobd/internal/storage"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJobs(w io.Writer, jobs []storage.Job) error {
	if asJSON {
		return writeJSON(w, jobs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCRON\tLAST RUN\tNEXT RUN\tCOMMAND")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Name, j.Status, dash(j.Cron), ago(j.LastRun), ago(j.NextRun), j.Command)
	}
	return tw.Flush()
}

func printJob(w io.Writer, j storage.Job) error {
	if asJSON {
		return writeJSON(w, j)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%d\n", j.ID)
	fmt.Fprintf(tw, "name:\t%s\n", j.Name)
	fmt.Fprintf(tw, "worktree:\t%s\n", j.WorktreePath)
	fmt.Fprintf(tw, "command:\t%s\n", j.Command)
	fmt.Fprintf(tw, "cron:\t%s\n", dash(j.Cron))
	fmt.Fprintf(tw, "status:\t%s\n", j.Status)
	fmt.Fprintf(tw, "last run:\t%s\n", ago(j.LastRun))
	fmt.Fprintf(tw, "next run:\t%s\n", ago(j.NextRun))
	fmt.Fprintf(tw, "created:\t%s\n", humanize.Time(j.CreatedAt))
	return tw.Flush()
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

func took(r storage.JobRun) string {
	if r.FinishedAt == nil {
		return "running"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func printRuns(w io.Writer, runs []storage.JobRun) error {
	if asJSON {
		return writeJSON(w, runs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tEXIT\tSTARTED\tTOOK\tSTDOUT\tSTDERR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, exitText(r.ExitCode), humanize.Time(r.StartedAt), took(r),
			humanize.Bytes(uint64(len(r.Stdout))), humanize.Bytes(uint64(len(r.Stderr))))
	}
	return tw.Flush()
}

func printRun(w io.Writer, r storage.JobRun) error {
	if asJSON {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "run %d: %s (exit %s, %s)\n", r.ID, r.Status, exitText(r.ExitCode), took(r))
	if r.Stdout != "" {
		fmt.Fprintf(w, "--- stdout ---\n%s", r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			fmt.Fprintln(w)
		}
	}
	if r.Stderr != "" {
		fmt.Fprintf(w, "--- stderr ---\n%s", r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			fmt.Fprintln(w)
		}
	}
	return nil
}

func formatEvent(ev eventbus.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-20s job=%d (%s) status=%s",
		ev.Time.Local().Format("15:04:05"), ev.Type, ev.Job.ID, ev.Job.Name, ev.Job.Status)
	if ev.Run != nil {
		fmt.Fprintf(&b, " run=%d run_status=%s exit=%s", ev.Run.ID, ev.Run.Status, exitText(ev.Run.ExitCode))
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, " detail=%q", ev.Detail)
	}
	return b.String()
}
