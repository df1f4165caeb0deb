package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/driver"
	"github.com/loykin/mongovisr/internal/driver/drivertest"
	"github.com/loykin/mongovisr/internal/history"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type testHost struct {
	mu    sync.Mutex
	db    *Connection
	sets  int
	hooks []Teardown
}

func (h *testHost) SetDB(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.db = c
	h.sets++
}

func (h *testHost) DB() *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db
}

func (h *testHost) OnDone(t Teardown) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, t)
}

func (h *testHost) teardowns() []Teardown {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Teardown(nil), h.hooks...)
}

// plainHost has no shutdown hooks.
type plainHost struct {
	mu sync.Mutex
	db *Connection
}

func (h *plainHost) SetDB(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.db = c
}

func (h *plainHost) DB() *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type probe struct {
	running bool
	path    string
}

func (p probe) Running() bool   { return p.running }
func (p probe) LogPath() string { return p.path }

func testConfig() *config.Config {
	return &config.Config{RetryDelay: 20 * time.Millisecond, HandshakeTimeout: time.Second, ShutdownTimeout: time.Second}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newManager(t *testing.T, d *drivertest.Dialer, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(d, append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func connectReady(t *testing.T, d *drivertest.Dialer, opts ...Option) (*Manager, *testHost) {
	t.Helper()
	m := newManager(t, d, opts...)
	h := &testHost{}
	require.NoError(t, m.Connect(h, testConfig()))
	require.Eventually(t, func() bool { return h.DB() != nil }, waitFor, tick)
	require.Equal(t, StateReady, m.State())
	return m, h
}

func TestConnect_PublishesAfterHandshake(t *testing.T) {
	d := &drivertest.Dialer{Version: "4.2.0"}
	m, h := connectReady(t, d)

	c := h.DB()
	assert.Equal(t, "MongoDB v4.2.0", c.Status())
	assert.Equal(t, "4.2.0", c.Version())
	assert.Same(t, c, m.Client())
	assert.Equal(t, []string{"buildInfo"}, d.Commands())

	opts := d.Last().Options()
	assert.Equal(t, "mongodb://127.0.0.1:27727/supro_GLOB", opts.URI)
	assert.Equal(t, "supro_GLOB", opts.Database)
	assert.True(t, opts.Journal)
	assert.True(t, opts.ServerObjectIDs)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, config.FailFastSelectionTimeout, opts.ServerSelectionTimeout)
	assert.Len(t, h.teardowns(), 1)
}

func TestConnect_NotPublishedUntilHandshakeSucceeds(t *testing.T) {
	d := &drivertest.Dialer{BuildInfoFailures: 2}
	_, h := connectReady(t, d)

	conns := d.Conns()
	require.Len(t, conns, 3, "each failed handshake is retried with a fresh dial")
	assert.True(t, conns[0].Closed())
	assert.True(t, conns[1].Closed())
	assert.False(t, conns[2].Closed())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.sets, "only the handshaken connection reaches the host")
	assert.Equal(t, 3, len(d.Commands()))
}

func TestConnect_AdminFailureIsRetried(t *testing.T) {
	d := &drivertest.Dialer{AdminFailures: 1}
	_, h := connectReady(t, d)
	assert.Equal(t, 2, d.Dials())
	assert.NotEmpty(t, h.DB().Status())
}

func TestConnect_Idempotent(t *testing.T) {
	d := &drivertest.Dialer{}
	m, h := connectReady(t, d)

	require.NoError(t, m.Connect(nil, nil))
	require.NoError(t, m.Connect(h, testConfig()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials(), "no second socket")
}

func TestConnect_SecondCallKeepsHost(t *testing.T) {
	d := &drivertest.Dialer{}
	m, h := connectReady(t, d)

	other := &testHost{}
	require.NoError(t, m.Connect(other, nil))
	assert.Nil(t, other.DB())

	tds := h.teardowns()
	require.Len(t, tds, 1)
	err, calls := runTeardown(t, tds[0])
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, d.Count("shutdown"), "the first host's teardown still stops mongod")
	assert.True(t, h.DB().Closed())
	assert.Empty(t, other.teardowns())
}

func TestConnect_SecondCallWhileConnecting(t *testing.T) {
	d := &drivertest.Dialer{DialFailures: 1000}
	m := newManager(t, d)
	require.NoError(t, m.Connect(nil, testConfig()))
	require.NoError(t, m.Connect(nil, nil))
	require.Eventually(t, func() bool { return d.Dials() >= 3 }, waitFor, tick)
	times := d.DialTimes()
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 15*time.Millisecond, "a single loop dials once per delay")
	}
}

func TestConnect_NotConfigured(t *testing.T) {
	m := newManager(t, &drivertest.Dialer{})
	assert.ErrorIs(t, m.Connect(&testHost{}, nil), ErrNotConfigured)
	assert.Equal(t, StateAbsent, m.State())
}

func TestConnect_AfterClose(t *testing.T) {
	m := newManager(t, &drivertest.Dialer{})
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Connect(nil, testConfig()), ErrClosed)
	assert.NoError(t, m.Close())
}

func TestConnect_RetriesWithFixedDelay(t *testing.T) {
	assert.Equal(t, 4096*time.Millisecond, (&config.Config{}).Resolve().RetryDelay)

	d := &drivertest.Dialer{DialFailures: 3}
	m := newManager(t, d)
	h := &testHost{}
	cfg := testConfig()
	cfg.RetryDelay = 60 * time.Millisecond
	require.NoError(t, m.Connect(h, cfg), "connect failures are never returned")

	require.Eventually(t, func() bool { return h.DB() != nil }, waitFor, tick)
	times := d.DialTimes()
	require.Len(t, times, 4)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 60*time.Millisecond)
	}
}

func TestConnect_Diagnostics(t *testing.T) {
	tests := []struct {
		name  string
		probe probe
		want  string
	}{
		{"process down", probe{running: false, path: "/data/2024-03.txt"}, "server process not running"},
		{"process up", probe{running: true, path: "/data/2024-03.txt"}, "driver connect error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf syncBuffer
			d := &drivertest.Dialer{DialFailures: 1}
			m := NewManager(d, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))), WithProbe(tt.probe))
			defer func() { _ = m.Close() }()
			h := &testHost{}
			require.NoError(t, m.Connect(h, testConfig()))
			require.Eventually(t, func() bool { return h.DB() != nil }, waitFor, tick)

			out := buf.String()
			assert.Contains(t, out, tt.want)
			if !tt.probe.running {
				assert.Contains(t, out, "/data/2024-03.txt")
				assert.NotContains(t, out, "driver connect error")
			}
		})
	}
}

func TestEvents_DegradeAndReconnect(t *testing.T) {
	d := &drivertest.Dialer{Version: "6.0.4"}
	m, h := connectReady(t, d)
	c := h.DB()

	for _, typ := range []driver.EventType{driver.EventError, driver.EventTimeout, driver.EventClose} {
		d.Last().Emit(driver.Event{Type: typ, Address: "127.0.0.1:27727", Err: errors.New("socket reset")})
		require.Eventually(t, func() bool { return m.State() == StateDegraded && c.Status() == "" }, waitFor, tick, typ.String())
	}
	assert.Same(t, c, h.DB(), "degraded connection stays published")

	d.Last().Emit(driver.Event{Type: driver.EventReconnect, Address: "127.0.0.1:27727"})
	require.Eventually(t, func() bool { return m.State() == StateReady }, waitFor, tick)
	assert.Equal(t, "MongoDB v6.0.4", c.Status())
	assert.Equal(t, 1, d.Dials(), "reconnect re-runs only the handshake")
	assert.Equal(t, 2, d.Count("buildInfo"))
	assert.Len(t, h.teardowns(), 1, "teardown is registered once")
}

func TestEvents_FailedRehandshakeRetries(t *testing.T) {
	d := &drivertest.Dialer{}
	m, h := connectReady(t, d)
	c := h.DB()

	d.Last().Emit(driver.Event{Type: driver.EventClose, Address: "a:1"})
	require.Eventually(t, func() bool { return m.State() == StateDegraded }, waitFor, tick)

	d.FailBuildInfo(2)
	d.Last().Emit(driver.Event{Type: driver.EventReconnect, Address: "a:1"})

	require.Eventually(t, func() bool { return m.State() == StateReady }, waitFor, tick)
	assert.Equal(t, 4, d.Count("buildInfo"), "initial + failed + retried + successful")
	assert.Same(t, c, h.DB())
	assert.NotEmpty(t, c.Status())
	assert.Equal(t, 1, d.Dials())
}

func TestEvents_IgnoredWhenNotLive(t *testing.T) {
	m := newManager(t, &drivertest.Dialer{})
	m.eventFunc(1)(driver.Event{Type: driver.EventError})
	assert.Len(t, m.events, 0)
}

func TestEvents_DroppedWhenQueueFull(t *testing.T) {
	m := newManager(t, &drivertest.Dialer{}, WithEventBuffer(1))
	m.setState(StateReady)
	fn := m.eventFunc(7)
	fn(driver.Event{Type: driver.EventError})
	fn(driver.Event{Type: driver.EventClose})
	assert.Len(t, m.events, 1)

	fn(driver.Event{Type: driver.EventReconnect, Address: "a:1"})
	assert.Len(t, m.events, 1)
	require.NotNil(t, m.reconnect, "reconnect is never dropped")
	assert.Equal(t, uint64(7), m.reconnect.gen)
	assert.Len(t, m.wake, 1)
	m.setState(StateAbsent)
}

// stallSink blocks the degraded record until release is closed.
type stallSink struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallSink) Send(ctx context.Context, e history.Event) error {
	if e.Type != history.EventDegraded {
		return nil
	}
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestEvents_ReconnectSurvivesFullQueue(t *testing.T) {
	sink := &stallSink{entered: make(chan struct{}), release: make(chan struct{})}
	rec := history.NewRecorder("s1", quietLogger(), sink)
	d := &drivertest.Dialer{}
	m, h := connectReady(t, d, WithEventBuffer(1), WithRecorder(rec))
	conn := d.Last()

	conn.Emit(driver.Event{Type: driver.EventError, Address: "a:1"})
	select {
	case <-sink.entered:
	case <-time.After(waitFor):
		t.Fatal("degraded event was not recorded")
	}
	conn.Emit(driver.Event{Type: driver.EventTimeout, Address: "a:1"})
	conn.Emit(driver.Event{Type: driver.EventReconnect, Address: "a:1"})
	assert.Len(t, m.events, 1, "the timeout fills the queue")

	close(sink.release)
	require.Eventually(t, func() bool { return m.State() == StateReady }, waitFor, tick)
	assert.Equal(t, 2, d.Count("buildInfo"))
	assert.NotEmpty(t, h.DB().Status())
}

func TestGetCollection_Cached(t *testing.T) {
	d := &drivertest.Dialer{}
	_, h := connectReady(t, d)
	c := h.DB()

	x1 := c.GetCollection("x")
	x2 := c.GetCollection("x")
	y := c.GetCollection("y")
	assert.Same(t, x1, x2)
	assert.NotSame(t, x1, y)
	assert.Equal(t, "y", y.Name())
	assert.Equal(t, 1, d.Last().Resolved("x"))
	assert.ElementsMatch(t, []string{"x", "y"}, c.CachedCollections())
}

func TestObjectID(t *testing.T) {
	_, h := connectReady(t, &drivertest.Dialer{})
	c := h.DB()
	id := c.ObjectID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, c.ObjectID())
	parsed, err := c.ObjectIDFromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	_, err = c.ObjectIDFromHex("nope")
	assert.Error(t, err)
}

func runTeardown(t *testing.T, td Teardown) (error, int) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls int
		got   error
	)
	td(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		got = err
	})
	mu.Lock()
	defer mu.Unlock()
	return got, calls
}

func TestShutdown_ConnectionClosedIsSuppressed(t *testing.T) {
	d := &drivertest.Dialer{ShutdownErr: drivertest.ErrConnectionClosed}
	m, h := connectReady(t, d)
	c := h.DB()
	c.GetCollection("x")

	hooks := h.teardowns()
	require.Len(t, hooks, 1)
	err, calls := runTeardown(t, hooks[0])
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)

	assert.Equal(t, 1, d.Count("shutdown"))
	assert.Equal(t, StateAbsent, m.State())
	assert.True(t, d.Last().Closed())
	assert.True(t, c.Closed())
	assert.Empty(t, c.CachedCollections())
	assert.Nil(t, m.Client())

	// late events from the released driver are ignored
	d.Last().Emit(driver.Event{Type: driver.EventError})
	assert.Equal(t, StateAbsent, m.State())

	// the handle is gone, so a second teardown has nothing to do
	err, calls = runTeardown(t, m.EndWithDatabase)
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, d.Count("shutdown"))
}

func TestShutdown_NoHandle(t *testing.T) {
	d := &drivertest.Dialer{}
	m := newManager(t, d)
	h := &plainHost{}
	require.NoError(t, m.Connect(h, &config.Config{RetryDelay: time.Hour}))
	require.Eventually(t, func() bool { return h.DB() != nil }, waitFor, tick)
	h.SetDB(nil)

	err, calls := runTeardown(t, m.EndWithDatabase)
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, d.Count("shutdown"))
}

func TestShutdown_NeverConnected(t *testing.T) {
	m := newManager(t, &drivertest.Dialer{})
	err, calls := runTeardown(t, m.EndWithDatabase)
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, m.ShutdownSent(), "nothing to send the command on")
}

func TestShutdown_DriverNetworkErrorIsSuppressed(t *testing.T) {
	d := &drivertest.Dialer{ShutdownErr: fmt.Errorf("shutdown: %w", drivertest.ErrSocketReset)}
	m, h := connectReady(t, d)

	err, calls := runTeardown(t, m.EndWithDatabase)
	assert.NoError(t, err, "the connection classifies its own network errors")
	assert.Equal(t, 1, calls)
	assert.True(t, h.DB().Closed())
	assert.Equal(t, StateAbsent, m.State())
}

func TestShutdown_OtherErrorsPassThrough(t *testing.T) {
	denied := errors.New("not authorized on admin to execute command")
	d := &drivertest.Dialer{ShutdownErr: denied}
	m, _ := connectReady(t, d)

	err, calls := runTeardown(t, m.EndWithDatabase)
	assert.Same(t, denied, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateAbsent, m.State())
}

func TestShutdown_AdminFailure(t *testing.T) {
	d := &drivertest.Dialer{}
	m, _ := connectReady(t, d)
	d.FailAdmin(1)

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Zero(t, d.Count("shutdown"), "no shutdown command without an admin interface")
	assert.Equal(t, StateReady, m.State())
}

func TestShutdown_ThenReconnect(t *testing.T) {
	d := &drivertest.Dialer{}
	m, h := connectReady(t, d)
	assert.False(t, m.ShutdownSent())
	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, m.ShutdownSent())

	require.NoError(t, m.Connect(nil, nil))
	require.Eventually(t, func() bool { return m.State() == StateReady }, waitFor, tick)
	assert.False(t, m.ShutdownSent(), "a new connection resets the flag")
	assert.Equal(t, 2, d.Dials())
	assert.Len(t, h.teardowns(), 1)
	assert.False(t, h.DB().Closed())
}

func TestClose_StopsRetryLoop(t *testing.T) {
	d := &drivertest.Dialer{DialFailures: 1 << 20}
	m := NewManager(d, WithLogger(quietLogger()))
	require.NoError(t, m.Connect(nil, testConfig()))
	require.Eventually(t, func() bool { return d.Dials() >= 2 }, waitFor, tick)
	require.NoError(t, m.Close())
	n := d.Dials()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, d.Dials())
	assert.Equal(t, StateAbsent, m.State())
}

func TestIsExpectedShutdownError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", errors.Join(errors.New("read"), io.ErrUnexpectedEOF), true},
		{"message", errors.New("connection closed"), true},
		{"driver message", errors.New("connection(127.0.0.1:27727[-4]) incomplete read of message header: Connection Closed"), true},
		{"driver network error", drivertest.ErrSocketReset, false},
		{"other", errors.New("unauthorized"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExpectedShutdownError(tt.err))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateDegraded.Live())
	assert.False(t, StateHandshaking.Live())
}
