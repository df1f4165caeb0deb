package mongodriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/address"
	"go.mongodb.org/mongo-driver/mongo/description"

	"github.com/loykin/mongovisr/internal/driver"
)

func TestClientOptions(t *testing.T) {
	opts := ClientOptions(driver.Options{
		URI:                    "mongodb://127.0.0.1:27727/supro_GLOB",
		Journal:                true,
		ConnectTimeout:         2 * time.Second,
		ServerSelectionTimeout: time.Second,
		HeartbeatInterval:      500 * time.Millisecond,
	})
	require.NoError(t, opts.Validate())
	assert.Equal(t, []string{"127.0.0.1:27727"}, opts.Hosts)
	require.NotNil(t, opts.WriteConcern)
	require.NotNil(t, opts.WriteConcern.Journal)
	assert.True(t, *opts.WriteConcern.Journal)
	assert.Equal(t, time.Second, *opts.ServerSelectionTimeout)
	assert.Equal(t, 2*time.Second, *opts.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, *opts.HeartbeatInterval)
}

func TestClientOptions_NoJournal(t *testing.T) {
	opts := ClientOptions(driver.Options{URI: "mongodb://127.0.0.1:27727/"})
	assert.Nil(t, opts.WriteConcern)
	assert.Nil(t, opts.ServerSelectionTimeout)
}

func collect() (*[]driver.Event, driver.EventFunc) {
	var got []driver.Event
	return &got, func(e driver.Event) { got = append(got, e) }
}

func TestServerMonitor(t *testing.T) {
	got, fn := collect()
	m := serverMonitor(fn)

	m.ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{ConnectionID: "127.0.0.1:27727", Failure: errors.New("boom")})
	m.ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{ConnectionID: "127.0.0.1:27727", Failure: context.DeadlineExceeded})
	m.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
		Address:             address.Address("127.0.0.1:27727"),
		PreviousDescription: description.Server{},
		NewDescription:      description.Server{Kind: description.Standalone},
	})
	// standalone -> standalone is not a reconnect
	m.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
		PreviousDescription: description.Server{Kind: description.Standalone},
		NewDescription:      description.Server{Kind: description.Standalone},
	})

	require.Len(t, *got, 3)
	assert.Equal(t, driver.EventError, (*got)[0].Type)
	assert.Equal(t, driver.EventTimeout, (*got)[1].Type)
	assert.Equal(t, driver.EventReconnect, (*got)[2].Type)
	assert.Equal(t, "127.0.0.1:27727", (*got)[2].Address)
}

func TestPoolMonitor(t *testing.T) {
	got, fn := collect()
	m := poolMonitor(fn)

	m.Event(&event.PoolEvent{Type: event.ConnectionClosed, Address: "a:1", Reason: event.ReasonIdle})
	m.Event(&event.PoolEvent{Type: event.ConnectionClosed, Address: "a:1", Reason: event.ReasonError})
	m.Event(&event.PoolEvent{Type: event.PoolCleared, Address: "a:1"})
	m.Event(&event.PoolEvent{Type: event.ConnectionCreated, Address: "a:1"})

	require.Len(t, *got, 2)
	for _, e := range *got {
		assert.Equal(t, driver.EventClose, e.Type)
		assert.Equal(t, "a:1", e.Address)
	}
}

func TestIsConnectionClosed(t *testing.T) {
	c := &conn{}
	assert.True(t, c.IsConnectionClosed(mongo.CommandError{Message: "socket", Labels: []string{"NetworkError"}}))
	assert.False(t, c.IsConnectionClosed(mongo.CommandError{Message: "unauthorized", Code: 13}))
	assert.False(t, c.IsConnectionClosed(errors.New("unauthorized")))
	assert.False(t, c.IsConnectionClosed(nil))
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version())
}

func TestMongoDialer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:6")
	if err != nil {
		t.Fatalf("Failed to start MongoDB container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate MongoDB container: %v", err)
		}
	}()

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	c, err := New().Dial(ctx, driver.Options{URI: uri, Database: "supro_GLOB", Journal: true, ServerSelectionTimeout: 10 * time.Second}, nil)
	require.NoError(t, err)

	a, err := c.Admin()
	require.NoError(t, err)
	info, err := a.RunCommand(ctx, driver.BuildInfoCommand())
	require.NoError(t, err)
	assert.NotEmpty(t, info["version"])

	coll := c.Collection("things")
	assert.Equal(t, "things", coll.Name())
	_, isMongo := coll.(*mongo.Collection)
	assert.True(t, isMongo)

	require.NoError(t, c.Close(ctx))
	_, err = c.Admin()
	assert.ErrorIs(t, err, driver.ErrClosed)
	assert.NoError(t, c.Close(ctx), "second close is a no-op")
}
