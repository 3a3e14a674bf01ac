package engine

import (
	"context"
	"fmt"
	"strings"

	"jobd/internal/eventbus"
	"jobd/internal/storage"
	logx "jobd/pkg/logx"
)

// CreateJob persists a job and installs its trigger when it carries a cron
// expression. An invalid expression does not fail the call: the job is kept
// without a trigger and a job.schedule_invalid event is published.
func (e *Engine) CreateJob(ctx context.Context, in storage.NewJob) (storage.Job, error) {
	in.WorktreePath = strings.TrimSpace(in.WorktreePath)
	in.Name = strings.TrimSpace(in.Name)
	in.Cron = strings.TrimSpace(in.Cron)
	switch {
	case in.WorktreePath == "":
		return storage.Job{}, fmt.Errorf("%w: worktree path required", ErrInvalidJob)
	case in.Name == "":
		return storage.Job{}, fmt.Errorf("%w: name required", ErrInvalidJob)
	case strings.TrimSpace(in.Command) == "":
		return storage.Job{}, fmt.Errorf("%w: command required", ErrInvalidJob)
	}

	job, err := e.store.CreateJob(ctx, in)
	if err != nil {
		return storage.Job{}, err
	}
	e.log.Info("job created", logx.Int64("job", job.ID), logx.String("name", job.Name), logx.String("cron", job.Cron))
	e.publish(eventbus.Event{Type: eventbus.JobCreated, Job: job})

	if job.HasCron() && e.schedule(ctx, job) {
		if j, err := e.store.GetJob(ctx, job.ID); err == nil {
			job = j
		}
	}
	return job, nil
}

// DeleteJob cancels the trigger, kills any run in flight, and removes the
// job together with its runs.
func (e *Engine) DeleteJob(ctx context.Context, jobID int64) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return mapStoreErr(err, "job", jobID)
	}
	e.reg.Unregister(jobID)

	e.mu.Lock()
	e.deleting[jobID]++
	x := e.inflight[jobID]
	if x != nil {
		x.deleted = true
		// A run still spawning is killed by RunJob right after the spawn.
		if x.proc != nil {
			_ = x.proc.Kill()
		}
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.deleting[jobID]--; e.deleting[jobID] <= 0 {
			delete(e.deleting, jobID)
		}
		e.mu.Unlock()
	}()

	if x != nil {
		select {
		case <-x.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := e.store.DeleteJob(ctx, jobID); err != nil {
		return mapStoreErr(err, "job", jobID)
	}
	e.log.Info("job deleted", logx.Int64("job", jobID), logx.String("name", job.Name))
	e.publish(eventbus.Event{Type: eventbus.JobDeleted, Job: job})
	return nil
}

// ListJobs lists jobs, most recent first. An empty worktreePath lists all.
func (e *Engine) ListJobs(ctx context.Context, worktreePath string) ([]storage.Job, error) {
	return e.store.ListJobs(ctx, storage.JobFilter{WorktreePath: strings.TrimSpace(worktreePath)})
}

func (e *Engine) GetJob(ctx context.Context, jobID int64) (storage.Job, error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return storage.Job{}, mapStoreErr(err, "job", jobID)
	}
	return j, nil
}

// GetJobRuns returns up to limit runs of jobID, most recent first.
// limit <= 0 means 10. An unknown job has no runs.
func (e *Engine) GetJobRuns(ctx context.Context, jobID int64, limit int) ([]storage.JobRun, error) {
	return e.store.GetJobRuns(ctx, jobID, limit)
}

func (e *Engine) GetRun(ctx context.Context, runID int64) (storage.JobRun, error) {
	r, err := e.store.GetJobRun(ctx, runID)
	if err != nil {
		return storage.JobRun{}, mapStoreErr(err, "run", runID)
	}
	return r, nil
}
