package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobd/internal/eventbus"
	"jobd/internal/process"
	"jobd/internal/scheduler"
	"jobd/internal/storage"
	logx "jobd/pkg/logx"
)

// fakeProc is a controllable process.Handle.
type fakeProc struct {
	mu         sync.Mutex
	terms      int
	kills      int
	ignoreTerm bool
	termDelay  time.Duration
	out        process.Output

	once sync.Once
	done chan struct{}
	exit process.Exit
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) exitWith(code int, sig string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = process.Exit{Code: code, Signal: sig}
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProc) Pid() int { return 4242 }

func (p *fakeProc) Terminate() error {
	if p.exited() {
		return nil
	}
	p.mu.Lock()
	p.terms++
	ignore, delay := p.ignoreTerm, p.termDelay
	p.mu.Unlock()
	if !ignore {
		go func() {
			time.Sleep(delay)
			p.exitWith(-1, "terminated")
		}()
	}
	return nil
}

func (p *fakeProc) Kill() error {
	if p.exited() {
		return nil
	}
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exitWith(-1, "killed")
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Wait() process.Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProc) Output() process.Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

func (p *fakeProc) counts() (terms, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills
}

type spawnFunc func(process.Spec) (process.Handle, error)

func (f spawnFunc) Spawn(s process.Spec) (process.Handle, error) { return f(s) }

func procSpawner(p *fakeProc) spawnFunc {
	return func(process.Spec) (process.Handle, error) { return p, nil }
}

func openStore(t *testing.T, path string) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func startEngine(t *testing.T, st storage.Store, cfg Config, opts ...Option) (*Engine, *eventbus.MemBus) {
	t.Helper()
	bus := eventbus.New()
	e := New(cfg, scheduler.Config{}, st, bus, logx.Nop(), opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, bus
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, storage.Store, *eventbus.MemBus) {
	t.Helper()
	st := openStore(t, filepath.Join(t.TempDir(), "jobs.db"))
	e, bus := startEngine(t, st, cfg, opts...)
	return e, st, bus
}

func waitRun(t *testing.T, r *Run) (storage.JobRun, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Wait(ctx)
}

func mustCreate(t *testing.T, e *Engine, name, command, cron string) storage.Job {
	t.Helper()
	j, err := e.CreateJob(context.Background(), storage.NewJob{WorktreePath: t.TempDir(), Name: name, Command: command, Cron: cron})
	require.NoError(t, err)
	return j
}

func TestRunEchoSucceeds(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	job := mustCreate(t, e, "hello", "echo hello", "")
	assert.Equal(t, storage.JobPending, job.Status)

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	run, err := waitRun(t, r)
	require.NoError(t, err)

	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)
	assert.Equal(t, storage.RunSuccess, run.Status)
	assert.Contains(t, run.Stdout, "hello")
	assert.NotNil(t, run.FinishedAt)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobSuccess, got.Status)
	assert.NotNil(t, got.LastRun)
}

func TestRunExitOneFails(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	job := mustCreate(t, e, "fail", "exit 1", "")

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	run, err := waitRun(t, r)
	require.NoError(t, err)

	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 1, *run.ExitCode)
	assert.Equal(t, storage.RunFailed, run.Status)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, got.Status, "non-cron job rests in the run's status")
}

func TestCronJobReturnsToScheduled(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	// Fires once a year; the test drives runs manually.
	job := mustCreate(t, e, "yearly", "exit 3", "0 0 1 1 *")
	assert.Equal(t, storage.JobScheduled, job.Status)
	require.NotNil(t, job.NextRun)
	assert.True(t, e.Registry().Registered(job.ID))

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	run, err := waitRun(t, r)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, run.Status)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobScheduled, got.Status)
	assert.NotNil(t, got.NextRun)
}

func TestInvalidCronStillCreates(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})
	events, unsub := bus.Subscribe(8)
	defer unsub()

	job := mustCreate(t, e, "bad", "true", "whenever you like")
	assert.NotZero(t, job.ID)
	assert.False(t, e.Registry().Registered(job.ID))
	assert.Nil(t, job.NextRun)

	var types []eventbus.Type
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []eventbus.Type{eventbus.JobCreated, eventbus.JobScheduleInvalid}, types)

	// Manual runs still work.
	r, err := e.RunJob(context.Background(), job.ID)
	require.NoError(t, err)
	run, err := waitRun(t, r)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, run.Status)
}

func TestCreateJobValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	cases := []storage.NewJob{
		{Name: "n", Command: "true"},
		{WorktreePath: "/w", Command: "true"},
		{WorktreePath: "/w", Name: "n", Command: "  "},
	}
	for _, in := range cases {
		_, err := e.CreateJob(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidJob)
	}
}

func TestRunUnknownJob(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	_, err := e.RunJob(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetJob(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.DeleteJob(context.Background(), 404), ErrNotFound)
}

func TestSecondRunWhileInFlight(t *testing.T) {
	p := newFakeProc()
	e, st, _ := newTestEngine(t, Config{}, WithSpawner(procSpawner(p)))
	ctx := context.Background()
	job := mustCreate(t, e, "long", "sleep 100", "")

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)

	_, err = e.RunJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobRunning, got.Status)
	running, err := st.ListRunningRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	p.exitWith(0, "")
	run, err := waitRun(t, r)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSuccess, run.Status)
	assert.Empty(t, e.Snapshot().Running)
}

func TestConcurrentRunRequestsAdmitOne(t *testing.T) {
	p := newFakeProc()
	e, _, _ := newTestEngine(t, Config{}, WithSpawner(procSpawner(p)))
	job := mustCreate(t, e, "race", "x", "")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		busy int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RunJob(context.Background(), job.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, ErrAlreadyRunning) {
				busy++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, busy)
	p.exitWith(0, "")
}

func TestStopJobNotRunning(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	job := mustCreate(t, e, "idle", "true", "")
	assert.ErrorIs(t, e.StopJob(context.Background(), job.ID), ErrNotRunning)
	_, err := e.LiveOutput(job.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStopEscalatesAfterGrace(t *testing.T) {
	p := newFakeProc()
	p.ignoreTerm = true
	grace := 200 * time.Millisecond
	e, _, _ := newTestEngine(t, Config{GracePeriod: grace}, WithSpawner(procSpawner(p)))
	ctx := context.Background()
	job := mustCreate(t, e, "stubborn", "x", "")

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, e.StopJob(ctx, job.ID))

	terms, kills := p.counts()
	assert.Equal(t, 1, terms, "graceful signal is immediate")
	assert.Equal(t, 0, kills)

	run, err := waitRun(t, r)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), grace)
	_, kills = p.counts()
	assert.Equal(t, 1, kills)
	assert.Equal(t, storage.RunFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, -1, *run.ExitCode)
}

func TestStopWithinGraceSkipsKill(t *testing.T) {
	p := newFakeProc()
	p.termDelay = 100 * time.Millisecond
	e, _, _ := newTestEngine(t, Config{GracePeriod: 400 * time.Millisecond}, WithSpawner(procSpawner(p)))
	ctx := context.Background()
	job := mustCreate(t, e, "polite", "x", "")

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, e.StopJob(ctx, job.ID))
	_, err = waitRun(t, r)
	require.NoError(t, err)

	// Outlive the grace period; the timer must find nothing to kill.
	time.Sleep(600 * time.Millisecond)
	terms, kills := p.counts()
	assert.Equal(t, 1, terms)
	assert.Equal(t, 0, kills)
}

func TestStopRealProcess(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{GracePeriod: time.Second})
	ctx := context.Background()
	job := mustCreate(t, e, "sleeper", "sleep 30", "")

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, e.StopJob(ctx, job.ID))

	run, err := waitRun(t, r)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, -1, *run.ExitCode)
}

func TestSequentialRunsAreDistinct(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	job := mustCreate(t, e, "twice", "echo run", "")

	var ids []int64
	for i := 0; i < 2; i++ {
		r, err := e.RunJob(ctx, job.ID)
		require.NoError(t, err)
		run, err := waitRun(t, r)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	runs, err := e.GetJobRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, ids[1], runs[0].ID, "most recent first")
	assert.Equal(t, ids[0], runs[1].ID)
}

func TestDeleteJobCascades(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})
	ctx := context.Background()
	job := mustCreate(t, e, "gone", "true", "@daily")
	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = waitRun(t, r)
	require.NoError(t, err)

	events, unsub := bus.Subscribe(4)
	defer unsub()
	require.NoError(t, e.DeleteJob(ctx, job.ID))

	assert.False(t, e.Registry().Registered(job.ID))
	_, err = e.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	runs, err := e.GetJobRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.JobDeleted, ev.Type)
		assert.Equal(t, job.ID, ev.Job.ID)
	case <-time.After(time.Second):
		t.Fatal("no job.deleted event")
	}
}

func TestDeleteKillsInFlightRun(t *testing.T) {
	p := newFakeProc()
	p.ignoreTerm = true
	e, _, _ := newTestEngine(t, Config{}, WithSpawner(procSpawner(p)))
	ctx := context.Background()
	job := mustCreate(t, e, "doomed", "x", "")

	r, err := e.RunJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, e.DeleteJob(ctx, job.ID))

	_, kills := p.counts()
	assert.Equal(t, 1, kills)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("run not finalized after delete")
	}
	assert.Empty(t, e.Snapshot().Running)
	runs, err := e.GetJobRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// gatedStore holds DeleteJob until gate is closed.
type gatedStore struct {
	storage.Store
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) DeleteJob(ctx context.Context, id int64) error {
	close(s.entered)
	<-s.gate
	return s.Store.DeleteJob(ctx, id)
}

func TestRunRefusedWhileDeleting(t *testing.T) {
	st := &gatedStore{
		Store:   openStore(t, filepath.Join(t.TempDir(), "jobs.db")),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	spawned := make(chan struct{}, 1)
	e, bus := startEngine(t, st, Config{}, WithSpawner(spawnFunc(func(process.Spec) (process.Handle, error) {
		spawned <- struct{}{}
		p := newFakeProc()
		p.exitWith(0, "")
		return p, nil
	})))
	ctx := context.Background()
	job := mustCreate(t, e, "going", "x", "")
	events, unsub := bus.Subscribe(8)
	defer unsub()

	deleted := make(chan error, 1)
	go func() { deleted <- e.DeleteJob(ctx, job.ID) }()
	select {
	case <-st.entered:
	case <-time.After(time.Second):
		t.Fatal("delete never reached storage")
	}

	_, err := e.RunJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
	close(st.gate)
	require.NoError(t, <-deleted)

	select {
	case <-spawned:
		t.Fatal("process spawned for a job being deleted")
	default:
	}
	assert.Empty(t, e.Snapshot().Running)
	_, err = e.RunJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)

	ev := <-events
	assert.Equal(t, eventbus.JobDeleted, ev.Type)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s after delete", ev.Type)
	default:
	}
}

func TestDeleteDuringSpawnKillsAndWaits(t *testing.T) {
	p := newFakeProc()
	p.ignoreTerm = true
	spawning := make(chan struct{})
	gate := make(chan struct{})
	e, _, _ := newTestEngine(t, Config{}, WithSpawner(spawnFunc(func(process.Spec) (process.Handle, error) {
		close(spawning)
		<-gate
		return p, nil
	})))
	ctx := context.Background()
	job := mustCreate(t, e, "racing", "x", "")

	type started struct {
		r   *Run
		err error
	}
	runs := make(chan started, 1)
	go func() {
		r, err := e.RunJob(ctx, job.ID)
		runs <- started{r, err}
	}()
	<-spawning

	deleted := make(chan error, 1)
	go func() { deleted <- e.DeleteJob(ctx, job.ID) }()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		x := e.inflight[job.ID]
		return x != nil && x.deleted
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-deleted:
		t.Fatalf("delete returned before the run ended: %v", err)
	default:
	}
	close(gate)

	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not finish well within the grace period")
	}
	st := <-runs
	require.NoError(t, st.err)
	select {
	case <-st.r.Done():
	case <-time.After(time.Second):
		t.Fatal("run not finalized")
	}

	terms, kills := p.counts()
	assert.Equal(t, 0, terms)
	assert.Equal(t, 1, kills)
	_, err := e.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSpawnErrorFailsRun(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	job, err := e.CreateJob(ctx, storage.NewJob{WorktreePath: "/no/such/worktree", Name: "lost", Command: "true"})
	require.NoError(t, err)

	_, err = e.RunJob(ctx, job.ID)
	var se *SpawnError
	require.ErrorAs(t, err, &se)

	runs, err := e.GetJobRuns(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunFailed, runs[0].Status)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, -1, *runs[0].ExitCode)
	assert.Contains(t, runs[0].Stderr, "no/such/worktree")

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, got.Status)
	assert.Empty(t, e.Snapshot().Running, "spawn failure releases the job")
}

func TestEventsOrderedPerJob(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})
	job := mustCreate(t, e, "evented", "echo hi", "")
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r, err := e.RunJob(context.Background(), job.ID)
	require.NoError(t, err)
	_, err = waitRun(t, r)
	require.NoError(t, err)

	var got []eventbus.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %d", len(got))
		}
	}
	assert.Equal(t, eventbus.RunStarted, got[0].Type)
	assert.Equal(t, storage.JobRunning, got[0].Job.Status)
	assert.Equal(t, eventbus.RunFinished, got[1].Type)
	require.NotNil(t, got[1].Run)
	assert.Equal(t, storage.RunSuccess, got[1].Run.Status)
	assert.Equal(t, storage.JobSuccess, got[1].Job.Status)
}

func TestLiveOutput(t *testing.T) {
	p := newFakeProc()
	p.out = process.Output{Stdout: "partial"}
	e, _, _ := newTestEngine(t, Config{}, WithSpawner(procSpawner(p)))
	job := mustCreate(t, e, "streaming", "x", "")

	r, err := e.RunJob(context.Background(), job.ID)
	require.NoError(t, err)
	live, err := e.LiveOutput(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", live.Stdout)
	assert.Equal(t, r.ID, live.RunID)
	p.exitWith(0, "")
}

func TestOutputLimitAndSpecPassing(t *testing.T) {
	var got process.Spec
	p := newFakeProc()
	e, _, _ := newTestEngine(t, Config{OutputLimit: 64, Shell: "/bin/bash", Env: []string{"A=1"}},
		WithSpawner(spawnFunc(func(s process.Spec) (process.Handle, error) {
			got = s
			return p, nil
		})))
	job := mustCreate(t, e, "spec", "make test", "")
	_, err := e.RunJob(context.Background(), job.ID)
	require.NoError(t, err)
	p.exitWith(0, "")

	assert.Equal(t, "make test", got.Command)
	assert.Equal(t, job.WorktreePath, got.Dir)
	assert.Equal(t, 64, got.OutputLimit)
	assert.Equal(t, "/bin/bash", got.Shell)
	assert.Equal(t, []string{"A=1"}, got.Env)
}

func TestStartReconcilesAndRehydrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	st := openStore(t, path)
	ctx := context.Background()

	manual, err := st.CreateJob(ctx, storage.NewJob{WorktreePath: "/w", Name: "manual", Command: "true"})
	require.NoError(t, err)
	cron, err := st.CreateJob(ctx, storage.NewJob{WorktreePath: "/w", Name: "cron", Command: "true", Cron: "@weekly"})
	require.NoError(t, err)
	orphan, err := st.CreateJobRun(ctx, manual.ID)
	require.NoError(t, err)
	_, err = st.UpdateJobRun(ctx, orphan.ID, storage.RunPatch{Stderr: storage.Set("partial")})
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, manual.ID, storage.JobPatch{Status: storage.Set(storage.JobRunning)})
	require.NoError(t, err)

	e, _ := startEngine(t, st, Config{ReconcileOnStart: true})

	run, err := e.GetRun(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, -1, *run.ExitCode)
	assert.Contains(t, run.Stderr, "partial\n")
	assert.Contains(t, run.Stderr, "interrupted")

	j, err := e.GetJob(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, j.Status)

	assert.True(t, e.Registry().Registered(cron.ID))
	assert.False(t, e.Registry().Registered(manual.ID))
	j, err = e.GetJob(ctx, cron.ID)
	require.NoError(t, err)
	assert.NotNil(t, j.NextRun)
}

func TestStopEngineTerminatesRuns(t *testing.T) {
	p := newFakeProc()
	st := openStore(t, filepath.Join(t.TempDir(), "jobs.db"))
	e := New(Config{GracePeriod: 100 * time.Millisecond}, scheduler.Config{}, st, nil, logx.Nop(), WithSpawner(procSpawner(p)))
	require.NoError(t, e.Start(context.Background()))
	job := mustCreate(t, e, "bye", "x", "")
	r, err := e.RunJob(context.Background(), job.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	terms, _ := p.counts()
	assert.Equal(t, 1, terms)
	select {
	case <-r.Done():
	default:
		t.Fatal("Stop returned before the run was finalized")
	}

	_, err = e.RunJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrStopped)
}
