package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobd/internal/eventbus"
	"jobd/internal/process"
	"jobd/internal/storage"
	logx "jobd/pkg/logx"
)

// RunJob starts a run of jobID and returns a handle that resolves to the
// finalized run.
//
// Errors: ErrNotFound for an unknown job, ErrAlreadyRunning when a run of
// the job is in flight, *SpawnError when the process could not start (the
// run is then already recorded as failed).
func (e *Engine) RunJob(ctx context.Context, jobID int64) (*Run, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr(err, "job", jobID)
	}

	x := &execution{job: job, done: make(chan struct{})}
	e.mu.Lock()
	switch {
	case !e.started || e.stopping:
		e.mu.Unlock()
		return nil, ErrStopped
	case e.deleting[jobID] > 0:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: job %d", ErrNotFound, jobID)
	case e.inflight[jobID] != nil:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: job %d", ErrAlreadyRunning, jobID)
	}
	e.inflight[jobID] = x
	e.mu.Unlock()

	run, err := e.store.CreateJobRun(ctx, jobID)
	if err != nil {
		e.release(x)
		close(x.done)
		return nil, mapStoreErr(err, "job", jobID)
	}
	x.run = run
	if j, err := e.store.UpdateJob(ctx, jobID, storage.JobPatch{Status: storage.Set(storage.JobRunning)}); err == nil {
		x.job = j
	} else {
		e.log.Warn("job status update failed", logx.Int64("job", jobID), logx.Err(err))
	}
	e.publish(eventbus.Event{Type: eventbus.RunStarted, Job: x.job, Run: &run})

	cfg := e.config()
	h, err := e.spawner.Spawn(process.Spec{
		Command:     job.Command,
		Dir:         job.WorktreePath,
		Env:         cfg.Env,
		Shell:       cfg.Shell,
		OutputLimit: cfg.OutputLimit,
	})
	if err != nil {
		var se *process.SpawnError
		if !errors.As(err, &se) {
			se = &process.SpawnError{Command: job.Command, Err: err}
		}
		e.log.Warn("spawn failed", logx.Int64("job", jobID), logx.Int64("run", run.ID), logx.Err(se))
		e.finalize(x, process.Exit{Code: -1, Err: se}, process.Output{})
		return nil, se
	}

	e.mu.Lock()
	x.proc = h
	switch {
	case x.deleted:
		if err := h.Kill(); err != nil {
			e.log.Warn("kill failed", logx.Int64("job", jobID), logx.Err(err))
		}
	case x.stopRequested:
		e.terminateLocked(x)
	}
	sup := e.sup
	e.mu.Unlock()

	e.log.Info("run started", logx.Int64("job", jobID), logx.Int64("run", run.ID), logx.String("name", job.Name), logx.Int("pid", h.Pid()))
	sup.Go0(fmt.Sprintf("run.%d", run.ID), func(context.Context) {
		// The process is waited for even on shutdown; Stop signals it instead.
		ex := h.Wait()
		e.finalize(x, ex, h.Output())
	})
	return &Run{ID: run.ID, JobID: jobID, x: x}, nil
}

// StopJob sends the graceful signal now and the forceful one after the grace
// period if the same run is still in flight. It returns once the first signal
// is sent, not when the process is gone.
func (e *Engine) StopJob(ctx context.Context, jobID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	x := e.inflight[jobID]
	if x == nil || x.deleted {
		return fmt.Errorf("%w: job %d", ErrNotRunning, jobID)
	}
	if x.proc == nil {
		// Still spawning; RunJob terminates right after the spawn.
		x.stopRequested = true
		return nil
	}
	e.log.Info("stop requested", logx.Int64("job", jobID), logx.Int64("run", x.run.ID))
	return e.terminateLocked(x)
}

// terminateLocked sends SIGTERM and arms the escalation timer once.
// Call with e.mu held.
func (e *Engine) terminateLocked(x *execution) error {
	if x.proc == nil {
		x.stopRequested = true
		return nil
	}
	err := x.proc.Terminate()
	if x.killTimer == nil {
		grace := e.config().GracePeriod
		jobID := x.job.ID
		x.killTimer = time.AfterFunc(grace, func() {
			e.mu.Lock()
			still := e.inflight[jobID] == x
			e.mu.Unlock()
			if !still {
				return
			}
			e.log.Warn("grace period elapsed; killing run", logx.Int64("job", jobID), logx.Int64("run", x.run.ID), logx.Duration("grace", grace))
			if err := x.proc.Kill(); err != nil {
				e.log.Warn("kill failed", logx.Int64("job", jobID), logx.Err(err))
			}
		})
	}
	return err
}

// LiveOutput returns the output captured so far by the run of jobID.
func (e *Engine) LiveOutput(jobID int64) (LiveOutput, error) {
	e.mu.Lock()
	x := e.inflight[jobID]
	var h process.Handle
	if x != nil {
		h = x.proc
	}
	e.mu.Unlock()
	if x == nil || h == nil {
		return LiveOutput{}, fmt.Errorf("%w: job %d", ErrNotRunning, jobID)
	}
	out := h.Output()
	return LiveOutput{
		JobID:     jobID,
		RunID:     x.run.ID,
		Pid:       h.Pid(),
		StartedAt: x.run.StartedAt,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		Truncated: out.Truncated,
	}, nil
}

func (e *Engine) release(x *execution) {
	e.mu.Lock()
	if e.inflight[x.job.ID] == x {
		delete(e.inflight, x.job.ID)
	}
	if x.killTimer != nil {
		x.killTimer.Stop()
	}
	e.mu.Unlock()
}

// finalize records the outcome of x in one run update, then the job status,
// then drops x from the in-flight set and publishes run.finished. Storage is
// written before release so a new run never overlaps a "running" record.
func (e *Engine) finalize(x *execution, ex process.Exit, out process.Output) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	status := storage.RunFailed
	code := ex.Code
	if code == 0 {
		status = storage.RunSuccess
	}
	stderr := out.Stderr
	if ex.Err != nil {
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			stderr += "\n"
		}
		stderr += ex.Err.Error()
	}

	e.mu.Lock()
	deleted := x.deleted
	e.mu.Unlock()

	run := x.run
	job := x.job
	if !deleted {
		r, err := e.store.UpdateJobRun(ctx, run.ID, storage.RunPatch{
			Stdout:   storage.Set(out.Stdout),
			Stderr:   storage.Set(stderr),
			ExitCode: storage.Set(&code),
			Status:   storage.Set(status),
		})
		if err != nil {
			e.log.Error("run finalize failed", logx.Int64("job", job.ID), logx.Int64("run", run.ID), logx.Err(err))
			r = run
			r.Stdout, r.Stderr, r.ExitCode, r.Status = out.Stdout, stderr, &code, status
		}
		run = r

		jobStatus := storage.JobStatus(status)
		if job.HasCron() {
			jobStatus = storage.JobScheduled
		}
		last := e.now()
		patch := storage.JobPatch{Status: storage.Set(jobStatus), LastRun: storage.Set(&last)}
		if next, ok := e.reg.Next(job.ID); ok {
			patch.NextRun = storage.Set(&next)
		}
		j, err := e.store.UpdateJob(ctx, job.ID, patch)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				e.log.Error("job status update failed", logx.Int64("job", job.ID), logx.Err(err))
			}
		} else {
			job = j
		}
	}

	e.release(x)

	fields := []logx.Field{logx.Int64("job", job.ID), logx.Int64("run", run.ID), logx.Int("exit", code), logx.String("status", string(status))}
	if ex.Signal != "" {
		fields = append(fields, logx.String("signal", ex.Signal))
	}
	if out.Truncated {
		fields = append(fields, logx.Bool("truncated", true))
	}
	e.log.Info("run finished", fields...)
	if !deleted {
		e.publish(eventbus.Event{Type: eventbus.RunFinished, Job: job, Run: &run})
	}

	x.result = run
	var se *process.SpawnError
	if errors.As(ex.Err, &se) {
		x.err = se
	}
	close(x.done)
}

func mapStoreErr(err error, what string, id int64) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
	}
	return err
}
