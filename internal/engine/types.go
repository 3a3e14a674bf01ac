package engine

import (
	"context"
	"sync"
	"time"

	"jobd/internal/eventbus"
	"jobd/internal/process"
	"jobd/internal/scheduler"
	"jobd/internal/storage"
	logx "jobd/pkg/logx"

	rtsup "jobd/internal/runtime/supervisor"
)

// DefaultGracePeriod separates the graceful and the forceful stop signal.
const DefaultGracePeriod = 5 * time.Second

// finalizeTimeout bounds the storage writes made when a run ends.
const finalizeTimeout = 15 * time.Second

type Config struct {
	// GracePeriod between SIGTERM and SIGKILL on StopJob. 0 means 5s.
	GracePeriod time.Duration
	// OutputLimit caps each captured stream in bytes. 0 is unbounded.
	OutputLimit int
	// Shell runs command lines (see process.Spec.Shell).
	Shell string
	// Env is appended to each process environment.
	Env []string
	// ReconcileOnStart fails runs left "running" by a previous process.
	ReconcileOnStart bool
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.OutputLimit < 0 {
		c.OutputLimit = 0
	}
	return c
}

type Engine struct {
	log     logx.Logger
	store   storage.Store
	bus     eventbus.Bus
	spawner process.Spawner
	reg     *scheduler.Registry
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	inflight map[int64]*execution
	// deleting holds jobs whose DeleteJob is in progress; RunJob refuses them.
	deleting map[int64]int
	sup      *rtsup.Supervisor
	started  bool
	stopping bool
}

// execution is the in-memory state of one run in flight.
type execution struct {
	job  storage.Job
	run  storage.JobRun
	proc process.Handle // nil until spawned

	stopRequested bool
	deleted       bool
	killTimer     *time.Timer

	done   chan struct{}
	result storage.JobRun
	err    error
}

// Run is a handle on a started run. It resolves once the process exits and
// the run is finalized.
type Run struct {
	ID    int64
	JobID int64
	x     *execution
}

// Done is closed when the run is finalized.
func (r *Run) Done() <-chan struct{} { return r.x.done }

// Wait blocks until the run is finalized or ctx is done.
func (r *Run) Wait(ctx context.Context) (storage.JobRun, error) {
	select {
	case <-r.x.done:
		return r.x.result, r.x.err
	case <-ctx.Done():
		return storage.JobRun{}, ctx.Err()
	}
}

// LiveOutput is a snapshot of a run in flight.
type LiveOutput struct {
	JobID     int64     `json:"job_id"`
	RunID     int64     `json:"run_id"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	Truncated bool      `json:"truncated"`
}

// Snapshot is a diagnostics view of the engine.
type Snapshot struct {
	Running    []int64                  `json:"running"`
	Schedules  []scheduler.Entry        `json:"schedules"`
	Goroutines rtsup.SupervisorCounters `json:"goroutines"`
	Stopping   bool                     `json:"stopping"`
}
