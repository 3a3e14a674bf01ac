package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultShell runs command lines unless Spec.Shell overrides it.
const DefaultShell = "/bin/sh"

// NoShell disables the shell: the first word is executed directly.
const NoShell = "none"

// truncationMarker is appended once to a stream that hit its byte limit.
const truncationMarker = "\n[output truncated]\n"

// Spec describes a process to start.
type Spec struct {
	Command string
	Dir     string
	// Env is appended to the host environment.
	Env []string
	// Shell is the interpreter used as `<shell> -c <line>`.
	// Empty means DefaultShell; NoShell executes argv directly.
	Shell string
	// OutputLimit caps each of stdout and stderr in bytes. 0 is unbounded.
	OutputLimit int
	// WaitDelay bounds how long Wait keeps reading pipes after the process
	// exits (background children may hold them open). 0 means 2s.
	WaitDelay time.Duration
}

// Exit is the outcome of a process.
//
// Code is the numeric exit status, or -1 when there is none (killed by a
// signal, or the process never started / could not be waited on).
type Exit struct {
	Code   int
	Signal string
	Err    error
}

// Output is a snapshot of captured streams.
type Output struct {
	Stdout    string
	Stderr    string
	Truncated bool
}

// Handle is a started process.
type Handle interface {
	Pid() int
	// Terminate asks the process to stop (SIGTERM). No-op after exit.
	Terminate() error
	// Kill forces the process to stop (SIGKILL). No-op after exit.
	Kill() error
	Done() <-chan struct{}
	// Wait blocks until Done and returns the exit outcome.
	Wait() Exit
	Output() Output
}

// Spawner starts processes. The engine depends on this interface.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %q: %v", e.Command, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExecSpawner starts real OS processes.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(spec Spec) (Handle, error) { return Start(spec) }

// Start launches spec and begins streaming its output.
func Start(spec Spec) (*Process, error) {
	toks := Tokenize(spec.Command)
	if len(toks) == 0 {
		return nil, &SpawnError{Command: spec.Command, Err: ErrEmptyCommand}
	}
	// With SysProcAttr set, os.StartProcess no longer names a missing
	// working directory in its error.
	if spec.Dir != "" {
		fi, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, &SpawnError{Command: spec.Command, Err: err}
		}
		if !fi.IsDir() {
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("%s: not a directory", spec.Dir)}
		}
	}

	var cmd *exec.Cmd
	shell := strings.TrimSpace(spec.Shell)
	switch shell {
	case NoShell:
		argv := Argv(spec.Command)
		cmd = exec.Command(argv[0], argv[1:]...)
	case "":
		shell = DefaultShell
		fallthrough
	default:
		cmd = exec.Command(shell, "-c", ShellLine(toks))
	}
	cmd.Dir = spec.Dir
	cmd.Env = append(append(os.Environ(), "FORCE_COLOR=1", "TERM=xterm-256color"), spec.Env...)
	setProcessGroup(cmd)

	p := &Process{
		cmd:    cmd,
		stdout: &streamBuffer{limit: spec.OutputLimit},
		stderr: &streamBuffer{limit: spec.OutputLimit},
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.WaitDelay = spec.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	go p.wait()
	return p, nil
}

// Process is a running command owned by a supervisor.
type Process struct {
	cmd    *exec.Cmd
	stdout *streamBuffer
	stderr *streamBuffer

	mu   sync.Mutex
	done chan struct{}
	exit Exit
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	ex := Exit{Code: -1}
	var ee *exec.ExitError
	switch {
	case err == nil:
		ex.Code = 0
	case errors.As(err, &ee):
		ex.Code = ee.ExitCode()
		ex.Signal = exitSignal(ee)
	default:
		ex.Err = err
		if ps := p.cmd.ProcessState; ps != nil && ps.Exited() {
			// Exited normally, but pipes stayed open past WaitDelay.
			ex.Code = ps.ExitCode()
		}
	}

	p.mu.Lock()
	p.exit = ex
	close(p.done)
	p.mu.Unlock()
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Wait() Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) Terminate() error { return p.signal(false) }
func (p *Process) Kill() error      { return p.signal(true) }

func (p *Process) signal(force bool) error {
	// wait() publishes the exit under mu, so the done check and the signal
	// see one consistent state.
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	default:
	}
	err := signalGroup(p.cmd.Process, force)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *Process) Output() Output {
	so, st := p.stdout.Text()
	se, et := p.stderr.Text()
	return Output{Stdout: so, Stderr: se, Truncated: st || et}
}

// streamBuffer accumulates one output stream. Writes never fail so the
// child's pipe is always drained, even past the limit.
type streamBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *streamBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

// Text decodes the buffer. Invalid UTF-8 (including sequences split by
// the limit) is replaced so the text is safe for every storage driver.
func (b *streamBuffer) Text() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.ToValidUTF8(b.buf.String(), "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	if b.truncated {
		s += truncationMarker
	}
	return s, b.truncated
}
