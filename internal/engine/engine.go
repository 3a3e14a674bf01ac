package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"jobd/internal/eventbus"
	"jobd/internal/process"
	"jobd/internal/scheduler"
	"jobd/internal/storage"
	logx "jobd/pkg/logx"

	rtsup "jobd/internal/runtime/supervisor"
)

// Option customizes an Engine.
type Option func(e *Engine)

// WithSpawner replaces the OS process spawner.
func WithSpawner(sp process.Spawner) Option {
	return func(e *Engine) { e.spawner = sp }
}

// WithClock overrides time.Now for last_run stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, sched scheduler.Config, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		log:      log,
		store:    store,
		bus:      bus,
		spawner:  process.ExecSpawner{},
		now:      time.Now,
		inflight: map[int64]*execution{},
		deleting: map[int64]int{},
	}
	for _, o := range opts {
		o(e)
	}
	e.reg = scheduler.New(sched, e.tick, log.With(logx.String("comp", "scheduler")),
		scheduler.WithQuietErrors(ErrAlreadyRunning, ErrStopped),
	)
	return e
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Apply updates settings used by future runs and the registry time zone.
func (e *Engine) Apply(cfg Config, sched scheduler.Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.withDefaults()
	e.cfgMu.Unlock()
	e.reg.Apply(sched)
}

// GracePeriod is the current SIGTERM to SIGKILL delay.
func (e *Engine) GracePeriod() time.Duration { return e.config().GracePeriod }

// Registry exposes the trigger registry (read-only use).
func (e *Engine) Registry() *scheduler.Registry { return e.reg }

// Start reconciles interrupted runs, rehydrates cron triggers from storage
// and starts the trigger loop. Jobs without a cron expression are untouched.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.stopping = false
	e.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(e.log.With(logx.String("comp", "runs"))),
		rtsup.WithCancelOnError(false),
	)
	e.mu.Unlock()

	if e.config().ReconcileOnStart {
		if err := e.reconcile(ctx); err != nil {
			return fmt.Errorf("reconcile runs: %w", err)
		}
	}

	jobs, err := e.store.ListJobs(ctx, storage.JobFilter{WithCron: true})
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}
	installed := 0
	for _, j := range jobs {
		if e.schedule(ctx, j) {
			installed++
		}
	}
	e.reg.Start(ctx)
	e.log.Info("engine started", logx.Int("schedules", installed), logx.Int("cron_jobs", len(jobs)))
	return nil
}

// Stop halts triggers, asks every in-flight process to terminate, escalates
// after the grace period and waits (bounded by ctx) for runs to finalize.
// Remaining processes are killed when ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	start := time.Now()
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	sup := e.sup
	n := len(e.inflight)
	for _, x := range e.inflight {
		e.terminateLocked(x)
	}
	e.mu.Unlock()

	e.reg.Stop(ctx)
	e.log.Info("engine stopping", logx.Int("in_flight", n))

	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		e.mu.Lock()
		for _, x := range e.inflight {
			if x.proc != nil {
				_ = x.proc.Kill()
			}
		}
		e.mu.Unlock()
		e.log.Warn("engine stop timed out; killed remaining runs", logx.Err(ctx.Err()))
	}
	sup.Cancel()

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	e.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Subscribe attaches an observer to status events.
func (e *Engine) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	if e.bus == nil {
		ch := make(chan eventbus.Event)
		close(ch)
		return ch, func() {}
	}
	return e.bus.Subscribe(buffer)
}

// Validate checks a cron expression without creating anything.
func (e *Engine) Validate(expr string) error { return e.reg.Validate(expr) }

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	running := make([]int64, 0, len(e.inflight))
	for id := range e.inflight {
		running = append(running, id)
	}
	sup := e.sup
	stopping := e.stopping
	e.mu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i] < running[j] })
	return Snapshot{
		Running:    running,
		Schedules:  e.reg.Entries(),
		Goroutines: sup.Counters(),
		Stopping:   stopping,
	}
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}

// schedule installs the trigger of j and refreshes its next_run.
// Invalid expressions are reported and leave the job unscheduled.
func (e *Engine) schedule(ctx context.Context, j storage.Job) bool {
	if err := e.reg.Register(j); err != nil {
		e.publish(eventbus.Event{Type: eventbus.JobScheduleInvalid, Job: j, Detail: err.Error()})
		return false
	}
	e.refreshNextRun(ctx, j.ID)
	return true
}

func (e *Engine) refreshNextRun(ctx context.Context, jobID int64) {
	next, ok := e.reg.Next(jobID)
	if !ok {
		return
	}
	if _, err := e.store.UpdateJob(ctx, jobID, storage.JobPatch{NextRun: storage.Set(&next)}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("next_run update failed", logx.Int64("job", jobID), logx.Err(err))
	}
}

// tick is the registry callback: the same path as a manual run request.
func (e *Engine) tick(ctx context.Context, jobID int64) error {
	_, err := e.RunJob(ctx, jobID)
	return err
}

const interruptedNote = "[interrupted: jobd restarted while the run was in flight]"

// reconcile fails runs left "running" by a previous process. Nothing is
// tracked in memory yet, so none of them has a live process.
func (e *Engine) reconcile(ctx context.Context) error {
	runs, err := e.store.ListRunningRuns(ctx)
	if err != nil {
		return err
	}
	code := -1
	for _, r := range runs {
		stderr := r.Stderr
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			stderr += "\n"
		}
		stderr += interruptedNote
		run, err := e.store.UpdateJobRun(ctx, r.ID, storage.RunPatch{
			Stderr:   storage.Set(stderr),
			ExitCode: storage.Set(&code),
			Status:   storage.Set(storage.RunFailed),
		})
		if err != nil {
			if errors.Is(err, storage.ErrRunFinalized) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}

		job, err := e.store.GetJob(ctx, r.JobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		status := storage.JobFailed
		if job.HasCron() {
			status = storage.JobScheduled
		}
		job, err = e.store.UpdateJob(ctx, job.ID, storage.JobPatch{Status: storage.Set(status)})
		if err != nil {
			return err
		}
		e.log.Warn("interrupted run reconciled", logx.Int64("job", job.ID), logx.Int64("run", run.ID))
		e.publish(eventbus.Event{Type: eventbus.JobStatusChanged, Job: job, Run: &run, Detail: "interrupted"})
	}
	return nil
}
