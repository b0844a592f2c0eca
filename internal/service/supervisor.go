package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/svcman/internal/log"
	"github.com/CZERTAINLY/svcman/internal/model"
)

const (
	opRun  = "run"
	opStop = "stop"
	// LogMode is the permission of a newly created log file.
	LogMode = 0o644
)

// Recorder observes process lifecycle, metrics.Metrics implements it.
type Recorder interface {
	ProcessStarted(id string, err error)
	ProcessExited(id string, code int)
	ProcessStopped(id string, killed bool, err error)
}

type nopRecorder struct{}

func (nopRecorder) ProcessStarted(string, error)       {}
func (nopRecorder) ProcessExited(string, int)          {}
func (nopRecorder) ProcessStopped(string, bool, error) {}

// reserved marks an id whose process is being spawned.
var reserved = &Process{}

type Supervisor struct {
	mx          sync.Mutex
	processes   map[string]*Process
	stopTimeout time.Duration
	recorder    Recorder
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

// WithStopTimeout sets how long Stop waits for a process to exit after the
// terminate signal before it kills it.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.recorder = r
		}
	}
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		processes:   make(map[string]*Process),
		stopTimeout: model.DefaultStopTimeout,
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the binary at binaryPath as service id with its output appended
// to logPath. It fails with NotFound when the binary is missing, with IO when
// the log can't be opened and with Conflict when id is already running.
func (s *Supervisor) Run(ctx context.Context, id, binaryPath, logPath string) (err error) {
	if err := model.CheckID(opRun, id); err != nil {
		return err
	}
	ctx = log.ServiceAttrs(ctx, id)
	defer func() {
		s.recorder.ProcessStarted(id, err)
	}()

	if _, err := os.Stat(binaryPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Errorf(model.KindNotFound, opRun, id, "binary missing: %s", binaryPath)
		}
		return model.NewError(model.KindIO, opRun, id, err)
	}

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, LogMode)
	if err != nil {
		return model.NewError(model.KindIO, opRun, id, fmt.Errorf("opening log: %w", err))
	}

	if !s.reserve(ctx, id) {
		_ = logFile.Close()
		return model.Errorf(model.KindConflict, opRun, id, "already running")
	}

	p, err := start(ctx, id, binaryPath, logFile)
	if err != nil {
		s.release(id)
		_ = logFile.Close()
		return model.NewError(model.KindProcess, opRun, id, fmt.Errorf("spawning %s: %w", binaryPath, err))
	}

	s.mx.Lock()
	s.processes[id] = p
	s.mx.Unlock()

	s.wg.Go(func() {
		p.wait(context.WithoutCancel(ctx))
		s.recorder.ProcessExited(id, p.exitCode())
	})
	slog.InfoContext(ctx, "service started", "pid", p.PID(), "run_id", p.RunID, "log", logPath)
	return nil
}

// reserve claims id for a spawn. An entry whose process has already exited
// is replaced.
func (s *Supervisor) reserve(ctx context.Context, id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if p, ok := s.processes[id]; ok {
		if p == reserved || !p.exited() {
			return false
		}
		slog.DebugContext(ctx, "reaping exited process", "run_id", p.RunID)
	}
	s.processes[id] = reserved
	return true
}

func (s *Supervisor) release(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.processes[id] == reserved {
		delete(s.processes, id)
	}
}

// Stop removes id from the registry and terminates its process. A missing id
// is not an error. The entry is removed even when termination fails.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	if err := model.CheckID(opStop, id); err != nil {
		return err
	}
	ctx = log.ServiceAttrs(ctx, id)

	s.mx.Lock()
	p, ok := s.processes[id]
	if !ok || p == reserved {
		s.mx.Unlock()
		slog.DebugContext(ctx, "service not running: nothing to stop")
		return nil
	}
	delete(s.processes, id)
	s.mx.Unlock()

	killed, err := p.terminate(ctx, s.stopTimeout)
	if errors.Is(err, errExited) {
		slog.DebugContext(ctx, "process had already exited", "run_id", p.RunID)
		return nil
	}
	if err != nil {
		err = model.NewError(model.KindProcess, opStop, id, err)
		slog.ErrorContext(ctx, "stopping service failed", "error", err)
	} else {
		slog.InfoContext(ctx, "service stopped", "run_id", p.RunID, "killed", killed)
	}
	s.recorder.ProcessStopped(id, killed, err)
	return err
}

// StopAll stops every registered process concurrently and returns all
// failures joined.
func (s *Supervisor) StopAll(ctx context.Context) error {
	ids := s.ids()
	var g errgroup.Group
	errs := make([]error, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = s.Stop(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Wait blocks until every started process has been reaped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Running reports whether id is registered and not known to have exited. An
// id being spawned counts as running.
func (s *Supervisor) Running(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return false
	}
	return p == reserved || !p.exited()
}

// Process returns the registered process of id.
func (s *Supervisor) Process(id string) (*Process, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	p, ok := s.processes[id]
	if !ok || p == reserved {
		return nil, false
	}
	return p, true
}

// List returns registered processes ordered by id.
func (s *Supervisor) List() []Info {
	s.mx.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		if p != reserved {
			procs = append(procs, p)
		}
	}
	s.mx.Unlock()

	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

func (s *Supervisor) ids() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	ids := make([]string, 0, len(s.processes))
	for id, p := range s.processes {
		if p != reserved {
			ids = append(ids, id)
		}
	}
	return ids
}
