package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	chmodule "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/mongovisr/internal/history"
)

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := chmodule.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		chmodule.WithUsername("default"),
		chmodule.WithPassword(""),
		chmodule.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	host, err := container.ConnectionHost(ctx)
	require.NoError(t, err)

	sink, err := New(Options{Addr: host, Table: "mongod_history_test"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	for _, typ := range []history.EventType{history.EventProcessStart, history.EventConnected, history.EventConnected} {
		require.NoError(t, sink.Send(ctx, history.Event{
			Type:       typ,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Session: "s1", PID: 99, State: "ready"},
		}))
	}

	n, err := sink.Count(ctx, history.EventConnected)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestNew_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := New(Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
