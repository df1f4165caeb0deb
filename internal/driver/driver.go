// Package driver is the narrow boundary between the connection manager and
// the MongoDB wire-protocol client. The production implementation lives in
// driver/mongodriver; driver/drivertest provides an in-memory fake.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrClosed is returned by a Conn after Close.
var ErrClosed = errors.New("driver connection closed")

// Options are the resolved dial options.
type Options struct {
	URI                    string
	Database               string
	ServerObjectIDs        bool
	Journal                bool
	AutoReconnect          bool
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
}

// EventType identifies a connection lifecycle event raised by the driver.
type EventType int

const (
	EventError EventType = iota
	EventTimeout
	EventClose
	EventReconnect
)

func (t EventType) String() string {
	switch t {
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	case EventClose:
		return "close"
	case EventReconnect:
		return "reconnect"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a lifecycle notification. Address is the remote endpoint when known.
type Event struct {
	Type    EventType
	Address string
	Err     error
}

// EventFunc receives driver events. It is called from driver goroutines and must not block.
type EventFunc func(Event)

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, opts Options, onEvent EventFunc) (Conn, error)
}

// Conn is an open client connection bound to one logical database.
type Conn interface {
	// Admin returns the administrative command interface.
	Admin() (Admin, error)
	// Collection resolves a collection handle in the logical database.
	Collection(name string) Collection
	// IsConnectionClosed reports whether err means the server dropped the socket.
	IsConnectionClosed(err error) bool
	Close(ctx context.Context) error
}

// Admin runs commands against the admin database.
type Admin interface {
	RunCommand(ctx context.Context, cmd bson.D) (bson.M, error)
}

// Collection is a handle to a named collection.
type Collection interface {
	Name() string
}

// BuildInfoCommand is the readiness handshake command.
func BuildInfoCommand() bson.D { return bson.D{{Key: "buildInfo", Value: 1}} }

// ShutdownCommand asks the server to shut down cleanly.
func ShutdownCommand() bson.D { return bson.D{{Key: "shutdown", Value: 1}} }
