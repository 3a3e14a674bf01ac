package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"jobd/internal/storage"
	logx "jobd/pkg/logx"
)

func New(cfg Config, tick TickFunc, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		cfg:  cfg,
		log:  log,
		tick: tick,
		now:  time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[int64]*trigger{},
		limiters: map[int64]*rate.Limiter{},
	}
	for _, o := range opts {
		o(r)
	}
	r.loc = r.loadLocationLocked()
	return r
}

// Validate checks expr syntactically. The returned error wraps ErrInvalidCron.
func (r *Registry) Validate(expr string) error {
	_, err := r.parse(expr)
	return err
}

func (r *Registry) parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCron)
	}
	sched, err := r.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// Register installs (or replaces) the trigger for job.
//
// An invalid expression leaves the job without a trigger; the error wraps
// ErrInvalidCron and is meant to be reported, not treated as fatal.
// A job without a cron expression only removes any previous trigger.
func (r *Registry) Register(job storage.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(job.ID)
	if !job.HasCron() {
		return nil
	}
	sched, err := r.parse(job.Cron)
	if err != nil {
		r.log.Warn("schedule rejected", logx.Int64("job", job.ID), logx.String("name", job.Name), logx.String("spec", job.Cron), logx.Err(err))
		return err
	}

	d := &trigger{jobID: job.ID, name: job.Name, spec: strings.TrimSpace(job.Cron), sched: sched}
	r.defs[job.ID] = d
	if r.c != nil {
		r.installLocked(d)
	}
	args := []logx.Field{logx.Int64("job", job.ID), logx.String("name", job.Name), logx.String("spec", d.spec)}
	if next := r.previewNextRunsLocked(sched, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	r.log.Debug("schedule registered", args...)
	return nil
}

// Unregister removes the trigger of jobID. It reports whether one existed.
func (r *Registry) Unregister(jobID int64) bool {
	r.mu.Lock()
	removed := r.removeLocked(jobID)
	r.mu.Unlock()

	r.repMu.Lock()
	delete(r.limiters, jobID)
	r.repMu.Unlock()

	if removed {
		r.log.Debug("schedule removed", logx.Int64("job", jobID))
	}
	return removed
}

// Registered reports whether jobID has an installed trigger definition.
func (r *Registry) Registered(jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.defs[jobID]
	return ok
}

// Next returns the next fire time of jobID in the registry's time zone.
func (r *Registry) Next(jobID int64) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[jobID]
	if !ok {
		return time.Time{}, false
	}
	next := d.sched.Next(r.now().In(r.loc))
	return next, !next.IsZero()
}

// Entries lists installed triggers ordered by job id.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().In(r.loc)
	out := make([]Entry, 0, len(r.defs))
	for _, d := range r.defs {
		e := Entry{JobID: d.jobID, Name: d.name, Spec: d.spec, Next: d.sched.Next(now)}
		if r.c != nil && d.entryID != 0 {
			e.Prev = r.c.Entry(d.entryID).Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Location is the time zone ticks are computed in.
func (r *Registry) Location() *time.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loc
}

// Start begins triggering. Definitions registered earlier are installed now.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.startLocked()
	r.log.Info("registry started", logx.String("tz", r.loc.String()), logx.Int("schedules", len(r.defs)))
}

// Stop halts triggering and waits for running tick callbacks (bounded by ctx).
// Definitions are kept so a later Start resumes them.
func (r *Registry) Stop(ctx context.Context) {
	start := time.Now()
	r.mu.Lock()
	c := r.c
	r.c = nil
	cancel := r.cancel
	for _, d := range r.defs {
		d.entryID = 0
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	r.log.Info("registry stopped", logx.Duration("took", time.Since(start)))
}

// Apply updates the config. A time zone change restarts the cron loop.
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	oldTZ := strings.TrimSpace(r.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	r.cfg = cfg
	if oldTZ == newTZ {
		r.mu.Unlock()
		return
	}
	r.loc = r.loadLocationLocked()
	old := r.c
	if old == nil {
		r.mu.Unlock()
		return
	}
	// Running ticks take r.mu, so the old loop is drained after unlocking.
	stopped := old.Stop()
	r.startLocked()
	tz, n := r.loc.String(), len(r.defs)
	r.mu.Unlock()

	<-stopped.Done()
	r.log.Info("registry restarted", logx.String("tz", tz), logx.Int("schedules", n))
}

func (r *Registry) startLocked() {
	r.c = cron.New(
		cron.WithParser(r.parser),
		cron.WithLocation(r.loc),
		cron.WithChain(cron.Recover(cronLogger{log: r.log})),
	)
	for _, d := range r.defs {
		r.installLocked(d)
	}
	r.c.Start()
}

func (r *Registry) installLocked(d *trigger) {
	jobID, name := d.jobID, d.name
	d.entryID = r.c.Schedule(d.sched, cron.FuncJob(func() {
		r.fire(jobID, name)
	}))
}

func (r *Registry) removeLocked(jobID int64) bool {
	d, ok := r.defs[jobID]
	if !ok {
		return false
	}
	if r.c != nil && d.entryID != 0 {
		r.c.Remove(d.entryID)
	}
	delete(r.defs, jobID)
	return true
}

func (r *Registry) fire(jobID int64, name string) {
	r.mu.Lock()
	ctx := r.ctx
	_, still := r.defs[jobID]
	r.mu.Unlock()
	if !still || ctx == nil || ctx.Err() != nil || r.tick == nil {
		return
	}
	r.log.Debug("schedule fired", logx.Int64("job", jobID), logx.String("name", name))
	if err := r.tick(ctx, jobID); err != nil {
		r.reportTickError(jobID, name, err)
	}
}

func (r *Registry) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked renders upcoming fire times for debug logs.
func (r *Registry) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if !r.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	t := r.now().In(r.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
