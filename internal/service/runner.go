package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// errExited is returned by terminate when the process ended before it was
// signalled.
var errExited = errors.New("process already exited")

// Process is a spawned service binary. It is owned by the Supervisor, only
// the Supervisor signals or waits on it.
type Process struct {
	ID      string
	RunID   string
	Path    string
	Started time.Time

	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}

	// written by wait before done is closed
	stopped time.Time
	state   *os.ProcessState
	err     error
}

// Info is a snapshot of a registered process.
type Info struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	Path     string    `json:"path"`
	PID      int       `json:"pid"`
	Started  time.Time `json:"started"`
	Running  bool      `json:"running"`
	ExitCode *int      `json:"exit_code,omitempty"`
}

// start spawns path with stdout and stderr appended to logFile. The process
// is not bound to ctx, it outlives the call. On success the caller must run
// wait exactly once.
func start(ctx context.Context, id, path string, logFile *os.File) (*Process, error) {
	cmd := exec.Command(path)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	p := &Process{
		ID:    id,
		RunID: uuid.NewString(),
		Path:  path,
		cmd:   cmd,
		log:   logFile,
		done:  make(chan struct{}),
	}
	p.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "process started", "pid", cmd.Process.Pid, "run_id", p.RunID)
	return p, nil
}

func (p *Process) wait(ctx context.Context) {
	err := p.cmd.Wait()
	p.stopped = time.Now().UTC()
	p.state = p.cmd.ProcessState
	p.err = err
	if cerr := p.log.Close(); cerr != nil {
		slog.WarnContext(ctx, "closing log file", "error", cerr)
	}
	slog.InfoContext(ctx, "process exited",
		"run_id", p.RunID,
		"exit_code", p.exitCode(),
		"uptime", p.stopped.Sub(p.Started),
	)
	close(p.done)
}

// Done is closed once the process exited and its log file is closed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitCode is -1 while running or when the process was killed by a signal.
func (p *Process) exitCode() int {
	if p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

func (p *Process) info() Info {
	i := Info{
		ID:      p.ID,
		RunID:   p.RunID,
		Path:    p.Path,
		PID:     p.PID(),
		Started: p.Started,
		Running: !p.exited(),
	}
	if !i.Running {
		code := p.exitCode()
		i.ExitCode = &code
	}
	return i
}

// terminate asks the process to exit and kills it when it does not do so
// within timeout, or as soon as ctx is done. It reports whether the kill was
// needed.
func (p *Process) terminate(ctx context.Context, timeout time.Duration) (killed bool, err error) {
	if p.exited() {
		return false, errExited
	}

	if err := interrupt(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "sending terminate signal failed: killing", "error", err)
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-p.done:
			return false, nil
		case <-timer.C:
			slog.WarnContext(ctx, "process ignored terminate signal: killing", "timeout", timeout)
		case <-ctx.Done():
		}
	}

	if err := kill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return true, fmt.Errorf("killing pid %d: %w", p.PID(), err)
	}
	select {
	case <-p.done:
		return true, nil
	case <-ctx.Done():
		return true, fmt.Errorf("waiting for pid %d: %w", p.PID(), context.Cause(ctx))
	}
}
