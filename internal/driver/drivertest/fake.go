// Package drivertest provides an in-memory driver.Dialer for tests.
package drivertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/loykin/mongovisr/internal/driver"
)

// ErrConnectionClosed mimics the error a server returns when it drops the
// socket while answering shutdown.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSocketReset is a driver-specific network error that only Conn.IsConnectionClosed recognises.
var ErrSocketReset = errors.New("socket was reset by peer")

// Dialer is a scripted fake. Zero value dials successfully and answers
// buildInfo with Version.
type Dialer struct {
	mu sync.Mutex

	// Version is reported by buildInfo; default "4.2.0".
	Version string
	// DialFailures makes the first N dials fail.
	DialFailures int
	// AdminFailures makes the first N Admin calls fail.
	AdminFailures int
	// BuildInfoFailures makes the first N buildInfo commands fail.
	BuildInfoFailures int
	// ShutdownErr is returned by the shutdown command.
	ShutdownErr error

	dials    int
	times    []time.Time
	conns    []*Conn
	dialed   chan struct{}
	commands []string
}

func (d *Dialer) Dial(_ context.Context, opts driver.Options, onEvent driver.EventFunc) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.times = append(d.times, time.Now())
	d.notify()
	if d.DialFailures > 0 {
		d.DialFailures--
		return nil, errors.New("connection refused")
	}
	c := &Conn{d: d, opts: opts, onEvent: onEvent, colls: map[string]int{}}
	d.conns = append(d.conns, c)
	return c, nil
}

// FailBuildInfo makes the next n buildInfo commands fail.
func (d *Dialer) FailBuildInfo(n int) {
	d.mu.Lock()
	d.BuildInfoFailures = n
	d.mu.Unlock()
}

// FailAdmin makes the next n Admin calls fail.
func (d *Dialer) FailAdmin(n int) {
	d.mu.Lock()
	d.AdminFailures = n
	d.mu.Unlock()
}

// SetShutdownErr changes the error returned by the shutdown command.
func (d *Dialer) SetShutdownErr(err error) {
	d.mu.Lock()
	d.ShutdownErr = err
	d.mu.Unlock()
}

// Count returns how many times the admin command name ran.
func (d *Dialer) Count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c == name {
			n++
		}
	}
	return n
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// DialTimes returns when each Dial call happened.
func (d *Dialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

// Conns returns every connection handed out, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Commands lists the admin command names run so far.
func (d *Dialer) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// DialedChan is signalled (non-blocking) on every Dial.
func (d *Dialer) DialedChan() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialed == nil {
		d.dialed = make(chan struct{}, 64)
	}
	return d.dialed
}

func (d *Dialer) notify() {
	if d.dialed == nil {
		return
	}
	select {
	case d.dialed <- struct{}{}:
	default:
	}
}

// Conn is a fake driver.Conn.
type Conn struct {
	d       *Dialer
	opts    driver.Options
	onEvent driver.EventFunc

	mu     sync.Mutex
	closed bool
	colls  map[string]int
}

// Options returns the options the connection was dialed with.
func (c *Conn) Options() driver.Options { return c.opts }

// Emit delivers a lifecycle event as the real driver would.
func (c *Conn) Emit(e driver.Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Resolved reports how many times the driver resolved name.
func (c *Conn) Resolved(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.colls[name]
}

func (c *Conn) Admin() (driver.Admin, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, driver.ErrClosed
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.AdminFailures > 0 {
		c.d.AdminFailures--
		return nil, errors.New("admin unavailable")
	}
	return &admin{c: c}, nil
}

func (c *Conn) Collection(name string) driver.Collection {
	c.mu.Lock()
	c.colls[name]++
	c.mu.Unlock()
	return &Collection{name: name}
}

func (c *Conn) IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrSocketReset)
}

func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type admin struct{ c *Conn }

func (a *admin) RunCommand(_ context.Context, cmd bson.D) (bson.M, error) {
	d := a.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(cmd) == 0 {
		return nil, errors.New("empty command")
	}
	name := cmd[0].Key
	d.commands = append(d.commands, name)
	switch name {
	case "buildInfo":
		if d.BuildInfoFailures > 0 {
			d.BuildInfoFailures--
			return nil, errors.New("not master and slaveOk=false")
		}
		v := d.Version
		if v == "" {
			v = "4.2.0"
		}
		return bson.M{"version": v, "ok": 1.0}, nil
	case "shutdown":
		if d.ShutdownErr != nil {
			return nil, d.ShutdownErr
		}
		return bson.M{"ok": 1.0}, nil
	default:
		return nil, errors.New("no such command: " + name)
	}
}

// Collection is a fake collection handle; every Collection call returns a new one.
type Collection struct{ name string }

func (c *Collection) Name() string { return c.name }
