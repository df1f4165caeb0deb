// Package session ties one mongod supervisor and one connection manager
// together behind the Launch and Connect entry points.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/connection"
	"github.com/loykin/mongovisr/internal/driver"
	"github.com/loykin/mongovisr/internal/driver/mongodriver"
	"github.com/loykin/mongovisr/internal/history"
	"github.com/loykin/mongovisr/internal/process"
)

// ErrMissingHost is returned by Launch without a host application.
var ErrMissingHost = errors.New("missing host application")

// DefaultStopWait is how long Shutdown waits after SIGTERM before SIGKILL.
const DefaultStopWait = 10 * time.Second

type options struct {
	logger   *slog.Logger
	dialer   driver.Dialer
	sinks    []history.Sink
	grace    time.Duration
	stopWait time.Duration
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithDialer replaces the MongoDB driver, mainly for tests.
func WithDialer(d driver.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithSinks exports lifecycle history to the given sinks.
func WithSinks(s ...history.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s...) } }

// WithStartupGrace is passed to the supervisor; see process.WithStartupGrace.
func WithStartupGrace(d time.Duration) Option { return func(o *options) { o.grace = d } }

func WithStopWait(d time.Duration) Option { return func(o *options) { o.stopWait = d } }

// Session is one supervised mongod and its connection.
type Session struct {
	id       string
	logger   *slog.Logger
	stopWait time.Duration
	recorder *history.Recorder
	sup      *process.Supervisor
	mgr      *connection.Manager
}

func New(opts ...Option) *Session {
	o := options{logger: slog.Default(), stopWait: DefaultStopWait}
	for _, fn := range opts {
		fn(&o)
	}
	if o.dialer == nil {
		o.dialer = mongodriver.New()
	}
	id := uuid.NewString()
	logger := o.logger.With("session", id)
	rec := history.NewRecorder(id, logger, o.sinks...)
	sup := process.NewSupervisor(
		process.WithLogger(logger),
		process.WithRecorder(rec),
		process.WithStartupGrace(o.grace),
	)
	mgr := connection.NewManager(o.dialer,
		connection.WithLogger(logger),
		connection.WithRecorder(rec),
		connection.WithProbe(sup),
	)
	return &Session{id: id, logger: logger, stopWait: o.stopWait, recorder: rec, sup: sup, mgr: mgr}
}

func (s *Session) ID() string { return s.id }

// Launch starts mongod and then begins connecting to it.
func (s *Session) Launch(host connection.Host, cfg *config.Config) (process.ServerProcess, error) {
	if host == nil {
		return process.ServerProcess{}, ErrMissingHost
	}
	if cfg == nil {
		return process.ServerProcess{}, config.ErrMissingConfig
	}
	p, err := s.sup.Start(cfg)
	if err != nil {
		return p, err
	}
	return p, s.mgr.Connect(host, cfg)
}

// Connect connects to an already running mongod; see connection.Manager.Connect.
func (s *Session) Connect(host connection.Host, cfg *config.Config) error {
	return s.mgr.Connect(host, cfg)
}

// Client is the live connection, or nil while none is published.
func (s *Session) Client() *connection.Connection { return s.mgr.Client() }

// Fatal reports unexpected mongod exits.
func (s *Session) Fatal() <-chan error { return s.sup.Fatal() }

func (s *Session) Supervisor() *process.Supervisor { return s.sup }

func (s *Session) Manager() *connection.Manager { return s.mgr }

// Status is a point-in-time view of the session.
type Status struct {
	Session     string                 `json:"session"`
	State       string                 `json:"state"`
	Status      string                 `json:"status"`
	Version     string                 `json:"version,omitempty"`
	Process     *process.ServerProcess `json:"process,omitempty"`
	LogPath     string                 `json:"log_path,omitempty"`
	Collections []string               `json:"collections,omitempty"`
}

func (s *Session) Status() Status {
	st := Status{Session: s.id, State: s.mgr.State().String(), LogPath: s.sup.LogPath()}
	if c := s.mgr.Client(); c != nil {
		st.Status = c.Status()
		st.Version = c.Version()
		st.Collections = c.CachedCollections()
	}
	if p, ok := s.sup.Snapshot(); ok {
		st.Process = &p
	}
	return st
}

// Shutdown sends the shutdown command and waits for mongod to exit. When the
// command fails, was never sent or ctx ends first, the process is stopped
// with signals.
func (s *Session) Shutdown(ctx context.Context) error {
	err := s.mgr.Shutdown(ctx)
	if !s.sup.Running() {
		return err
	}
	switch {
	case err != nil:
	case !s.mgr.ShutdownSent():
		s.logger.Info("no connection to send shutdown on, stopping mongod")
	default:
		if werr := s.sup.Wait(ctx); werr == nil {
			return nil
		}
		s.logger.Warn("mongod still running after shutdown command, stopping it")
	}
	if serr := s.sup.Stop(s.stopWait); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// Close releases the connection and history sinks. mongod is left running.
func (s *Session) Close() error {
	return errors.Join(s.mgr.Close(), s.recorder.Close())
}
