// Package influxdb writes history events as InfluxDB points.
package influxdb

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/mongovisr/internal/history"
)

// Measurement is the point name used for every event.
const Measurement = "mongod_event"

// Options selects the server, credentials and destination bucket.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes each event synchronously so failures surface from Send.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func New(o Options) (*Sink, error) {
	if o.URL == "" || o.Bucket == "" {
		return nil, fmt.Errorf("influxdb sink needs url and bucket")
	}
	client := influxdb2.NewClientWithOptions(o.URL, o.Token, influxdb2.DefaultOptions())
	return &Sink{client: client, writeAPI: client.WriteAPIBlocking(o.Org, o.Bucket)}, nil
}

// Point converts an event into an InfluxDB point; type and session are tags.
func Point(e history.Event) *write.Point {
	r := e.Record
	tags := map[string]string{"type": string(e.Type), "session": r.Session}
	if r.State != "" {
		tags["state"] = r.State
	}
	fields := map[string]interface{}{
		"pid":       r.PID,
		"exit_code": r.ExitCode,
		"status":    r.Status,
	}
	if r.Address != "" {
		fields["address"] = r.Address
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	return write.NewPoint(Measurement, tags, fields, e.OccurredAt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.writeAPI.WritePoint(ctx, Point(e)); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

// Ping checks that the server is reachable and healthy.
func (s *Sink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb server not healthy")
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
