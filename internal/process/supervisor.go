package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/history"
	"github.com/loykin/mongovisr/internal/metrics"
)

var (
	ErrNotDirectory          = errors.New("data path exists and is not a directory")
	ErrRestartNotImplemented = errors.New("stop_on_restart is not implemented")
	ErrSpawn                 = errors.New("failed to spawn mongod")
	ErrUnexpectedExit        = errors.New("mongod exited unexpectedly")
	ErrAlreadyRunning        = errors.New("mongod is already running")
	ErrNotRunning            = errors.New("mongod is not running")
)

// LockedExitCode is what mongod returns when another instance holds the data
// directory lock. It is logged only; nothing is respawned.
const LockedExitCode = 100

// ServerProcess is a value snapshot of a launched mongod.
type ServerProcess struct {
	PID       int       `json:"pid"`
	Command   []string  `json:"command"`
	LogPath   string    `json:"log_path"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder exports process_start and process_exit events.
func WithRecorder(r *history.Recorder) Option { return func(s *Supervisor) { s.recorder = r } }

// WithClock overrides the clock used for StartedAt and the monthly log name.
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// WithStartupGrace makes Start wait up to d for an early exit before returning.
// Zero checks once without waiting.
func WithStartupGrace(d time.Duration) Option { return func(s *Supervisor) { s.grace = d } }

// WithOnExit registers a callback run after every observed exit.
func WithOnExit(fn func(ServerProcess)) Option { return func(s *Supervisor) { s.onExit = fn } }

// Supervisor launches at most one mongod at a time and observes its exit.
type Supervisor struct {
	logger   *slog.Logger
	recorder *history.Recorder
	now      func() time.Time
	grace    time.Duration
	onExit   func(ServerProcess)

	mu      sync.Mutex
	cur     *run
	lastLog string
	fatal   chan error
}

type run struct {
	proc    ServerProcess
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{} // closed when cmd.Wait returns
	done    chan struct{} // closed after the exit is fully handled
	code    int

	stopping    atomic.Bool
	spawnFailed bool // guarded by Supervisor.mu
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger: slog.Default(),
		now:    time.Now,
		fatal:  make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "mongod")
	return s
}

// Start validates cfg, prepares the data directory and spawns mongod detached.
func (s *Supervisor) Start(cfg *config.Config) (ServerProcess, error) {
	if err := cfg.ValidateLaunch(); err != nil {
		return ServerProcess{}, err
	}
	if cfg.StopOnRestart {
		return ServerProcess{}, ErrRestartNotImplemented
	}
	rc := cfg.Resolve()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return s.cur.proc, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, s.cur.proc.PID)
	}
	if err := EnsureDataDir(rc.DBPath); err != nil {
		return ServerProcess{}, err
	}

	spec := SpecFromConfig(rc)
	started := s.now()
	logPath := MonthlyLogPath(rc.DBPath, started)
	// #nosec G304 -- path is derived from the configured data directory
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return ServerProcess{}, fmt.Errorf("open mongod log %s: %w", logPath, err)
	}
	s.lastLog = logPath

	cmd := spec.BuildCommand()
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		_ = f.Close()
		s.logger.Error("mongod spawn failed", "bin", spec.Bin, "error", err)
		return ServerProcess{}, fmt.Errorf("%w: %s: %w", ErrSpawn, spec.Bin, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = f.Close()
		return ServerProcess{}, fmt.Errorf("%w: %s: no pid", ErrSpawn, spec.Bin)
	}

	r := &run{
		proc: ServerProcess{
			PID:       cmd.Process.Pid,
			Command:   append([]string{spec.Bin}, spec.Args()...),
			LogPath:   logPath,
			StartedAt: started,
		},
		cmd:     cmd,
		logFile: f,
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.cur = r
	go s.observe(r)

	if exited, code := r.earlyExit(s.grace); exited {
		r.proc.ExitCode = &code
		if code != 0 {
			r.spawnFailed = true
			s.logger.Error("mongod exited during startup", "pid", r.proc.PID, "code", code, "log", logPath)
			return r.proc, fmt.Errorf("%w: exit code %d, see %s", ErrSpawn, code, logPath)
		}
		return r.proc, nil
	}

	metrics.IncProcessStart()
	metrics.SetProcessRunning(true)
	s.logger.Info("mongod started", "pid", r.proc.PID, "dbpath", rc.DBPath, "port", rc.Port, "log", logPath)
	_ = s.recorder.Record(context.Background(), history.EventProcessStart, history.Record{PID: r.proc.PID, LogPath: logPath})
	return r.proc, nil
}

// earlyExit reports whether the process is already gone, waiting at most grace.
func (r *run) earlyExit(grace time.Duration) (bool, int) {
	if grace <= 0 {
		select {
		case <-r.exited:
			return true, r.code
		default:
			return false, 0
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-r.exited:
		return true, r.code
	case <-t.C:
		return false, 0
	}
}

func (s *Supervisor) observe(r *run) {
	err := r.cmd.Wait()
	r.code = exitCode(err)
	close(r.exited)
	s.handleExit(r, err)
	close(r.done)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (s *Supervisor) handleExit(r *run, waitErr error) {
	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	spawnFailed := r.spawnFailed
	s.mu.Unlock()

	_ = r.logFile.Close()
	code := r.code
	metrics.IncProcessExit(code)
	metrics.SetProcessRunning(false)

	pid := r.proc.PID
	rec := history.Record{PID: pid, ExitCode: code, LogPath: r.proc.LogPath}
	switch {
	case spawnFailed:
		rec.Error = ErrSpawn.Error()
	case r.stopping.Load():
		s.logger.Info("mongod stopped", "pid", pid, "code", code)
	case code == 0:
		s.logger.Info("mongod exited", "pid", pid)
	case code == LockedExitCode:
		s.logger.Warn("mongod exited with code 100, data directory is probably locked by another instance", "pid", pid, "log", r.proc.LogPath)
		rec.Error = "data directory locked"
	default:
		err := fmt.Errorf("%w: pid %d exit code %d", ErrUnexpectedExit, pid, code)
		if waitErr != nil && code == -1 {
			err = fmt.Errorf("%w: pid %d: %w", ErrUnexpectedExit, pid, waitErr)
		}
		s.logger.Error("mongod exited unexpectedly", "pid", pid, "code", code, "log", r.proc.LogPath)
		rec.Error = err.Error()
		select {
		case s.fatal <- err:
		default:
		}
	}
	_ = s.recorder.Record(context.Background(), history.EventProcessExit, rec)

	if s.onExit != nil {
		snap := r.proc
		snap.ExitCode = &code
		s.onExit(snap)
	}
}

// Fatal delivers ErrUnexpectedExit when mongod dies with a code other than 0 or 100.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// LogPath is the monthly log file of the most recent launch, or "".
func (s *Supervisor) LogPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLog
}

// Snapshot returns the running process, if any.
func (s *Supervisor) Snapshot() (ServerProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ServerProcess{}, false
	}
	return s.cur.proc, true
}

// Stop sends SIGTERM to the process group and SIGKILL if it is still alive after wait.
// It returns once the exit has been observed.
func (s *Supervisor) Stop(wait time.Duration) error {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	r.stopping.Store(true)
	pid := r.proc.PID
	if err := terminate(pid); err != nil {
		s.logger.Debug("terminate failed", "pid", pid, "error", err)
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-r.done:
		return nil
	case <-t.C:
	}
	s.logger.Warn("mongod did not exit in time, killing", "pid", pid, "wait", wait)
	if err := kill(pid); err != nil {
		return fmt.Errorf("kill mongod pid %d: %w", pid, err)
	}
	<-r.done
	return nil
}

// Wait blocks until the current process exits or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
