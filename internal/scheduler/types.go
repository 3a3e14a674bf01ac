package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "jobd/pkg/logx"
)

var ErrInvalidCron = errors.New("invalid cron expression")

// Config controls the registry.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local time
}

// TickFunc runs one scheduled execution of jobID.
type TickFunc func(ctx context.Context, jobID int64) error

// Option customizes a Registry.
type Option func(r *Registry)

// WithQuietErrors marks tick errors that are part of normal operation
// (for example a run still in flight). They are logged at debug level.
func WithQuietErrors(errs ...error) Option {
	return func(r *Registry) { r.quiet = append(r.quiet, errs...) }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type trigger struct {
	jobID   int64
	name    string
	spec    string
	sched   cron.Schedule
	entryID cron.EntryID
}

type Registry struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	tick  TickFunc
	quiet []error
	now   func() time.Time

	parser cron.Parser
	c      *cron.Cron
	defs   map[int64]*trigger

	// base context handed to ticks; canceled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	// tick failure reports are throttled per job.
	repMu    sync.Mutex
	limiters map[int64]*rate.Limiter
}

// Entry describes one installed trigger.
type Entry struct {
	JobID int64     `json:"job_id"`
	Name  string    `json:"name"`
	Spec  string    `json:"spec"`
	Next  time.Time `json:"next"`
	Prev  time.Time `json:"prev,omitempty"`
}
