package connection

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/driver"
	"github.com/loykin/mongovisr/internal/history"
	"github.com/loykin/mongovisr/internal/metrics"
)

// EndWithDatabase sends the shutdown command to mongod, releases the
// connection and then calls next exactly once. It is the Teardown registered
// with the host.
func (m *Manager) EndWithDatabase(next func(error)) {
	timeout := config.DefaultShutdownTimeout
	if cfg := m.Config(); cfg != nil {
		timeout = cfg.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	next(m.Shutdown(ctx))
}

// Shutdown is the synchronous form of EndWithDatabase.
func (m *Manager) Shutdown(ctx context.Context) error {
	c := m.liveHandle()
	if c == nil {
		m.logger.Info("no database connection, nothing to shut down")
		m.stopLoop()
		m.mu.Lock()
		pending := m.conn
		m.mu.Unlock()
		if pending != nil {
			m.release(pending)
		}
		m.setState(StateAbsent)
		return nil
	}

	a, err := c.conn.Admin()
	if err != nil {
		m.logger.Error("shutdown: admin interface unavailable", "error", err)
		metrics.IncShutdown(metrics.ResultError)
		return err
	}

	m.stopLoop()
	m.setState(StateClosing)
	m.mu.Lock()
	m.shutdownSent = true
	m.mu.Unlock()
	resp, err := a.RunCommand(ctx, driver.ShutdownCommand())
	if err != nil {
		m.logger.Info("shutdown command returned", "error", err)
	} else {
		m.logger.Info("shutdown command returned", "response", resp)
	}
	if IsExpectedShutdownError(err) || (err != nil && c.conn.IsConnectionClosed(err)) {
		err = nil
	}

	m.release(c)
	m.setState(StateAbsent)
	if err != nil {
		metrics.IncShutdown(metrics.ResultError)
	} else {
		metrics.IncShutdown(metrics.ResultOK)
	}
	m.record(history.EventShutdown, nil, "", err)
	return err
}

// ShutdownSent reports whether mongod was asked to shut down since the last
// connection was published. Shutdown without a live connection sends nothing.
func (m *Manager) ShutdownSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownSent
}

// liveHandle returns the connection the host holds, or the published one for
// hosts that are not set. Released connections count as absent.
func (m *Manager) liveHandle() *Connection {
	m.mu.Lock()
	host, c := m.host, m.published
	m.mu.Unlock()
	if host != nil {
		c = host.DB()
	}
	if c == nil || c.Closed() {
		return nil
	}
	return c
}

// IsExpectedShutdownError reports whether err is the socket teardown mongod
// performs while answering the shutdown command. Driver-specific network
// errors are classified by driver.Conn.IsConnectionClosed.
func IsExpectedShutdownError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection closed")
}
