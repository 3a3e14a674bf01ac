package engine

import (
	"errors"

	"jobd/internal/process"
	"jobd/internal/scheduler"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrNotRunning     = errors.New("job is not running")
	ErrInvalidJob     = errors.New("invalid job")
	ErrStopped        = errors.New("engine stopped")

	// ErrInvalidCron is reported (not returned) when a job's schedule cannot
	// be installed; Validate returns it directly.
	ErrInvalidCron = scheduler.ErrInvalidCron
)

// SpawnError is returned by RunJob when the process could not be started.
// The run has already been finalized as failed when it is returned.
type SpawnError = process.SpawnError
