package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/driver"
	"github.com/loykin/mongovisr/internal/history"
	"github.com/loykin/mongovisr/internal/metrics"
)

var (
	ErrNotConfigured = errors.New("connection is not configured")
	ErrClosed        = errors.New("connection manager is closed")
)

const (
	defaultEventBuffer = 64
	releaseTimeout     = 5 * time.Second
)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder exports connected, degraded, reconnected and shutdown events.
func WithRecorder(r *history.Recorder) Option { return func(m *Manager) { m.recorder = r } }

// WithProbe lets connect failures point at the mongod log when the process is down.
func WithProbe(p ProcessProbe) Option { return func(m *Manager) { m.probe = p } }

// WithEventBuffer sets the capacity of the driver event queue.
func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.events = make(chan connEvent, n)
		}
	}
}

type connEvent struct {
	gen uint64
	ev  driver.Event
}

// Manager owns one logical connection: it dials with unbounded fixed-delay
// retry, runs the buildInfo handshake, publishes the Connection to the host
// and reacts to driver lifecycle events. A single goroutine per Connect call
// performs every state change except shutdown.
type Manager struct {
	dialer   driver.Dialer
	logger   *slog.Logger
	recorder *history.Recorder
	probe    ProcessProbe
	events   chan connEvent
	wake     chan struct{}

	mu           sync.Mutex
	cfg          *config.Config
	host         Host
	state        State
	conn         *Connection // current driver connection, published or not
	published    *Connection
	gen          uint64
	cancel       context.CancelFunc
	loopDone     chan struct{}
	registered   bool
	closed       bool
	shutdownSent bool       // cleared when a new connection is published
	reconnect    *connEvent // reconnect that did not fit in the queue
}

func NewManager(d driver.Dialer, opts ...Option) *Manager {
	m := &Manager{dialer: d, logger: slog.Default(), wake: make(chan struct{}, 1)}
	for _, o := range opts {
		o(m)
	}
	if m.events == nil {
		m.events = make(chan connEvent, defaultEventBuffer)
	}
	m.logger = m.logger.With("component", "connection")
	metrics.SetCurrentState(StateAbsent.String(), true)
	return m
}

// Connect starts connecting in the background and returns immediately.
// While a connect loop is running or a connection is published it only logs.
// host and cfg may be nil on later calls; the last resolved config is reused.
func (m *Manager) Connect(host Host, cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.loopDone != nil {
		m.logger.Info("already connected", "state", m.state.String())
		return nil
	}
	if host != nil {
		m.host = host
	}
	if cfg != nil {
		m.cfg = cfg.Resolve()
	}
	if m.cfg == nil {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.loopDone = done
	go m.run(ctx, m.cfg, done)
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the resolved configuration, or nil before the first Connect.
func (m *Manager) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Client returns the published connection while it is ready or degraded.
func (m *Manager) Client() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Live() {
		return nil
	}
	return m.published
}

func (m *Manager) run(ctx context.Context, cfg *config.Config, done chan struct{}) {
	defer close(done)
	for {
		c, err := m.attempt(ctx, cfg)
		if err == nil {
			m.watch(ctx, cfg, c)
			return
		}
		if !sleep(ctx, cfg.RetryDelay) {
			return
		}
		m.logger.Debug("retrying connect", "delay", cfg.RetryDelay)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// attempt dials once and runs the handshake. Only a handshaken connection is returned.
func (m *Manager) attempt(ctx context.Context, cfg *config.Config) (*Connection, error) {
	m.setState(StateConnecting)
	gen := m.nextGen()

	timeout := cfg.Options.ConnectTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	dc, err := m.dialer.Dial(dctx, dialOptions(cfg), m.eventFunc(gen))
	cancel()
	if err != nil {
		metrics.IncConnectAttempt(metrics.ResultError)
		if ctx.Err() == nil {
			m.connectFailed(cfg, err)
		}
		m.setState(StateAbsent)
		return nil, err
	}
	metrics.IncConnectAttempt(metrics.ResultOK)

	c := newConnection(dc, gen)
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	m.setState(StateHandshaking)

	if err := m.handshake(ctx, cfg, c); err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("handshake failed, reconnecting", "error", err, "retry_in", cfg.RetryDelay)
			m.diagnose()
		}
		m.release(c)
		m.setState(StateConnecting)
		return nil, err
	}
	m.publish(c)
	return c, nil
}

func (m *Manager) connectFailed(cfg *config.Config, err error) {
	if m.probe != nil && !m.probe.Running() {
		m.logger.Error("server process not running", "log", m.probe.LogPath(), "error", err, "retry_in", cfg.RetryDelay)
		return
	}
	m.logger.Error("driver connect error", "url", cfg.URL, "error", err, "retry_in", cfg.RetryDelay)
}

func (m *Manager) diagnose() {
	if m.probe != nil && !m.probe.Running() {
		m.logger.Error("server process not running", "log", m.probe.LogPath())
	}
}

// handshake runs buildInfo and marks the connection ready on success.
func (m *Manager) handshake(ctx context.Context, cfg *config.Config, c *Connection) error {
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	a, err := c.conn.Admin()
	if err != nil {
		metrics.IncHandshake(metrics.ResultError)
		return fmt.Errorf("admin interface: %w", err)
	}
	info, err := a.RunCommand(hctx, driver.BuildInfoCommand())
	if err != nil {
		metrics.IncHandshake(metrics.ResultError)
		return fmt.Errorf("buildInfo: %w", err)
	}
	version, _ := info["version"].(string)
	if version == "" {
		metrics.IncHandshake(metrics.ResultError)
		return errors.New("buildInfo: no version in reply")
	}
	metrics.IncHandshake(metrics.ResultOK)
	c.markReady(version)
	m.logger.Info(c.Status(), "db", cfg.Database)
	return nil
}

// publish hands the connection to the host and registers the teardown once.
func (m *Manager) publish(c *Connection) {
	m.mu.Lock()
	host := m.host
	m.published = c
	m.shutdownSent = false
	reg, canRegister := host.(ShutdownRegistrar)
	register := canRegister && !m.registered
	if register {
		m.registered = true
	}
	m.mu.Unlock()

	m.setState(StateReady)
	if host != nil {
		host.SetDB(c)
	}
	if register {
		reg.OnDone(m.EndWithDatabase)
	}
	m.record(history.EventConnected, c, "", nil)
}

// watch consumes driver events for c until ctx is cancelled.
func (m *Manager) watch(ctx context.Context, cfg *config.Config, c *Connection) {
	var (
		timer *time.Timer
		retry <-chan time.Time
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(cfg.RetryDelay)
		} else {
			timer.Reset(cfg.RetryDelay)
		}
		retry = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ce := <-m.events:
			if ce.gen != c.gen {
				continue
			}
			if m.handleEvent(ctx, cfg, c, ce.ev) {
				schedule()
			}
		case <-m.wake:
			if m.drainEvents(ctx, cfg, c) {
				schedule()
			}
		case <-retry:
			retry = nil
			if m.State() == StateDegraded && m.rehandshake(ctx, cfg, c) != nil {
				schedule()
			}
		}
	}
}

// drainEvents handles everything queued and then the coalesced reconnect,
// which arrived after the queued events.
func (m *Manager) drainEvents(ctx context.Context, cfg *config.Config, c *Connection) bool {
	retry := false
	for n := len(m.events); n > 0; n-- {
		ce := <-m.events
		if ce.gen == c.gen {
			retry = m.handleEvent(ctx, cfg, c, ce.ev) || retry
		}
	}
	m.mu.Lock()
	ce := m.reconnect
	m.reconnect = nil
	m.mu.Unlock()
	if ce != nil && ce.gen == c.gen {
		retry = m.handleEvent(ctx, cfg, c, ce.ev) || retry
	}
	return retry
}

// handleEvent applies one driver event and reports whether a handshake retry is needed.
func (m *Manager) handleEvent(ctx context.Context, cfg *config.Config, c *Connection, ev driver.Event) bool {
	if st := m.State(); !st.Live() {
		m.logger.Debug("event ignored", "event", ev.Type.String(), "state", st.String())
		return false
	}
	metrics.IncConnectionEvent(ev.Type.String())
	switch ev.Type {
	case driver.EventError:
		m.logger.Error("connection error", "address", ev.Address, "error", ev.Err)
		m.degrade(c, ev)
	case driver.EventTimeout:
		m.logger.Warn("connection timeout", "address", ev.Address)
		m.degrade(c, ev)
	case driver.EventClose:
		m.logger.Warn("connection closed", "address", ev.Address)
		m.degrade(c, ev)
	case driver.EventReconnect:
		m.logger.Info("reconnected", "address", ev.Address)
		m.record(history.EventReconnected, c, ev.Address, nil)
		return m.rehandshake(ctx, cfg, c) != nil
	}
	return false
}

func (m *Manager) degrade(c *Connection, ev driver.Event) {
	c.markDegraded()
	if m.State() == StateReady {
		m.setState(StateDegraded)
		m.record(history.EventDegraded, c, ev.Address, ev.Err)
	}
}

// rehandshake re-runs the handshake on an existing connection after a reconnect.
// On failure the connection stays published but degraded.
func (m *Manager) rehandshake(ctx context.Context, cfg *config.Config, c *Connection) error {
	if err := m.handshake(ctx, cfg, c); err != nil {
		if ctx.Err() != nil {
			return err
		}
		m.logger.Warn("handshake after reconnect failed", "error", err, "retry_in", cfg.RetryDelay)
		c.markDegraded()
		if m.State() == StateReady {
			m.setState(StateDegraded)
			m.record(history.EventDegraded, c, "", err)
		}
		return err
	}
	m.publish(c)
	return nil
}

// eventFunc queues driver events for the loop without blocking the driver.
// Events for a connection that is not published yet are ignored. When the
// queue is full other events are dropped, but a reconnect is kept aside
// because it is the only way out of the degraded state.
func (m *Manager) eventFunc(gen uint64) driver.EventFunc {
	return func(ev driver.Event) {
		if st := m.State(); !st.Live() {
			m.logger.Debug("event ignored", "event", ev.Type.String(), "state", st.String())
			return
		}
		ce := connEvent{gen: gen, ev: ev}
		select {
		case m.events <- ce:
			return
		default:
		}
		if ev.Type == driver.EventReconnect {
			m.mu.Lock()
			m.reconnect = &ce
			m.mu.Unlock()
			select {
			case m.wake <- struct{}{}:
			default:
			}
			m.logger.Debug("event queue full, reconnect kept pending", "address", ev.Address)
			return
		}
		metrics.IncDroppedEvent()
		m.logger.Warn("connection event dropped", "event", ev.Type.String())
	}
}

func (m *Manager) nextGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	return m.gen
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev == s {
		return
	}
	metrics.RecordStateTransition(prev.String(), s.String())
	metrics.SetCurrentState(prev.String(), false)
	metrics.SetCurrentState(s.String(), true)
	m.logger.Debug("state changed", "from", prev.String(), "to", s.String())
}

// release closes c and forgets it. The published handle keeps its pointer
// but reports closed.
func (m *Manager) release(c *Connection) {
	c.cache.Clear()
	c.markClosed()
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := c.conn.Close(ctx); err != nil {
		m.logger.Debug("driver close failed", "error", err)
	}
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	if m.published == c {
		m.published = nil
	}
	m.mu.Unlock()
}

// stopLoop cancels the connect/event goroutine and waits for it to return.
func (m *Manager) stopLoop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the loop and closes the driver connection without shutting mongod down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stopLoop()
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c != nil {
		m.release(c)
	}
	m.setState(StateAbsent)
	return nil
}

func (m *Manager) record(typ history.EventType, c *Connection, addr string, err error) {
	if m.recorder == nil {
		return
	}
	rec := history.Record{Address: addr, State: m.State().String()}
	if c != nil {
		rec.Status = c.Status()
	}
	if err != nil {
		rec.Error = err.Error()
	}
	_ = m.recorder.Record(context.Background(), typ, rec)
}

func dialOptions(cfg *config.Config) driver.Options {
	o := cfg.Options
	return driver.Options{
		URI:                    cfg.URI(),
		Database:               cfg.Database,
		ServerObjectIDs:        o.ServerObjectIDs,
		Journal:                o.Journal,
		AutoReconnect:          o.AutoReconnect,
		ConnectTimeout:         o.ConnectTimeout,
		ServerSelectionTimeout: o.SelectionTimeout(),
		HeartbeatInterval:      o.HeartbeatInterval,
	}
}
