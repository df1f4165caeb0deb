// Package mongodriver implements driver.Dialer on the official MongoDB Go driver.
package mongodriver

import (
	"context"
	"sync/atomic"

	"github.com/loykin/mongovisr/internal/driver"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/version"
)

// Version reports the MongoDB Go driver version.
func Version() string { return version.Driver }

// Dialer dials MongoDB with mongo.Connect.
//
// The Go driver reconnects on its own and always generates ObjectIDs on the
// client, so AutoReconnect and ServerObjectIDs are accepted but have no
// driver-level switch.
type Dialer struct{}

func New() Dialer { return Dialer{} }

func (Dialer) Dial(ctx context.Context, o driver.Options, onEvent driver.EventFunc) (driver.Conn, error) {
	if onEvent == nil {
		onEvent = func(driver.Event) {}
	}
	opts := ClientOptions(o)
	opts.SetServerMonitor(serverMonitor(onEvent))
	opts.SetPoolMonitor(poolMonitor(onEvent))

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &conn{client: client, db: client.Database(o.Database)}, nil
}

// ClientOptions maps driver.Options onto mongo client options, without monitors.
func ClientOptions(o driver.Options) *options.ClientOptions {
	opts := options.Client().ApplyURI(o.URI)
	if o.Journal {
		opts.SetWriteConcern(writeconcern.Journaled())
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}
	if o.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(o.ServerSelectionTimeout)
	}
	if o.HeartbeatInterval > 0 {
		opts.SetHeartbeatInterval(o.HeartbeatInterval)
	}
	return opts
}

// serverMonitor turns heartbeat failures into error/timeout events and a
// server leaving the Unknown state into a reconnect event.
func serverMonitor(onEvent driver.EventFunc) *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerHeartbeatFailed: func(e *event.ServerHeartbeatFailedEvent) {
			t := driver.EventError
			if mongo.IsTimeout(e.Failure) {
				t = driver.EventTimeout
			}
			onEvent(driver.Event{Type: t, Address: e.ConnectionID, Err: e.Failure})
		},
		ServerDescriptionChanged: func(e *event.ServerDescriptionChangedEvent) {
			if e.PreviousDescription.Kind == 0 && e.NewDescription.Kind != 0 {
				onEvent(driver.Event{Type: driver.EventReconnect, Address: e.Address.String()})
			}
		},
	}
}

// poolMonitor reports pool clears and broken connections as close events.
// Idle and pool-closed connection closes are routine and ignored.
func poolMonitor(onEvent driver.EventFunc) *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(e *event.PoolEvent) {
			switch e.Type {
			case event.PoolCleared:
				onEvent(driver.Event{Type: driver.EventClose, Address: e.Address})
			case event.ConnectionClosed:
				if e.Reason == event.ReasonError || e.Reason == event.ReasonStale {
					onEvent(driver.Event{Type: driver.EventClose, Address: e.Address})
				}
			}
		},
	}
}

type conn struct {
	client *mongo.Client
	db     *mongo.Database
	closed atomic.Bool
}

func (c *conn) Admin() (driver.Admin, error) {
	if c.closed.Load() {
		return nil, driver.ErrClosed
	}
	return admin{db: c.client.Database("admin")}, nil
}

// Collection returns a *mongo.Collection.
func (c *conn) Collection(name string) driver.Collection { return c.db.Collection(name) }

// Client exposes the underlying client for callers that need the full driver API.
func (c *conn) Client() *mongo.Client { return c.client }

// IsConnectionClosed matches network errors, including command errors the
// driver labels NetworkError.
func (c *conn) IsConnectionClosed(err error) bool { return mongo.IsNetworkError(err) }

func (c *conn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.client.Disconnect(ctx)
}

type admin struct{ db *mongo.Database }

func (a admin) RunCommand(ctx context.Context, cmd bson.D) (bson.M, error) {
	var out bson.M
	if err := a.db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
