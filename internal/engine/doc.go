// Package engine is the execution coordinator.
//
// It owns the job/run lifecycle: it is the single source of truth for which
// jobs have a run in flight, allocates run records, starts processes through
// a process.Spawner, escalates termination after the grace period, and
// finalizes runs and job status in storage. Status transitions are published
// on an eventbus.Bus.
//
// Concurrency model:
//   - Bookkeeping (the in-flight set) is guarded by one mutex; the
//     check-and-insert in RunJob happens under it.
//   - Each run is watched by one supervised goroutine that blocks on process
//     exit, so callers never wait for a child.
//   - For one job, run.started is always published before run.finished.
package engine
