package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrRunFinalized  = errors.New("run already finalized")
	ErrEmptyPatch    = errors.New("empty patch")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": DSN is a file path (directories are created)
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool { return s == RunSuccess || s == RunFailed }

// Job is a named command bound to a worktree, optionally on a cron schedule.
type Job struct {
	ID           int64      `json:"id"`
	WorktreePath string     `json:"worktree_path"`
	Name         string     `json:"name"`
	Command      string     `json:"command"`
	Cron         string     `json:"cron,omitempty"`
	Status       JobStatus  `json:"status"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasCron reports whether the job carries a cron expression (valid or not).
func (j Job) HasCron() bool { return j.Cron != "" }

// JobRun is one execution attempt of a Job.
type JobRun struct {
	ID         int64      `json:"id"`
	JobID      int64      `json:"job_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	Status     RunStatus  `json:"status"`
}

// NewJob holds the caller-supplied attributes of a job.
// Identifiers, status and timestamps are assigned by the store.
type NewJob struct {
	WorktreePath string
	Name         string
	Command      string
	Cron         string
}

// JobFilter narrows ListJobs. Zero value lists everything.
type JobFilter struct {
	WorktreePath string
	WithCron     bool
}

// Field is one optional member of a patch. Only fields built with Set are
// written; a Set(nil) on a pointer field clears the column.
type Field[T any] struct {
	set bool
	v   T
}

func Set[T any](v T) Field[T] { return Field[T]{set: true, v: v} }

func (f Field[T]) IsSet() bool { return f.set }
func (f Field[T]) Value() T    { return f.v }

// JobPatch updates a job partially. updated_at is always refreshed.
type JobPatch struct {
	Status  Field[JobStatus]
	LastRun Field[*time.Time]
	NextRun Field[*time.Time]
}

// RunPatch updates a run partially.
//
// Setting a terminal Status without FinishedAt stamps finished_at with the
// store's clock. A run whose status is already terminal rejects any further
// Status or FinishedAt change with ErrRunFinalized.
type RunPatch struct {
	Stdout     Field[string]
	Stderr     Field[string]
	ExitCode   Field[*int]
	Status     Field[RunStatus]
	FinishedAt Field[*time.Time]
}

func (p RunPatch) empty() bool {
	return !p.Stdout.set && !p.Stderr.set && !p.ExitCode.set && !p.Status.set && !p.FinishedAt.set
}

// Store is the persistence API consumed by the engine.
type Store interface {
	CreateJob(ctx context.Context, in NewJob) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	UpdateJob(ctx context.Context, id int64, p JobPatch) (Job, error)
	DeleteJob(ctx context.Context, id int64) error

	CreateJobRun(ctx context.Context, jobID int64) (JobRun, error)
	GetJobRun(ctx context.Context, id int64) (JobRun, error)
	UpdateJobRun(ctx context.Context, id int64, p RunPatch) (JobRun, error)
	// GetJobRuns returns up to limit runs of a job, most recent first.
	GetJobRuns(ctx context.Context, jobID int64, limit int) ([]JobRun, error)
	// ListRunningRuns returns every run still marked running.
	ListRunningRuns(ctx context.Context) ([]JobRun, error)

	Close() error
}
