package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventProcessStart EventType = "process_start"
	EventProcessExit  EventType = "process_exit"
	EventConnected    EventType = "connected"
	EventDegraded     EventType = "degraded"
	EventReconnected  EventType = "reconnected"
	EventShutdown     EventType = "shutdown"
)

// Record is the state snapshot attached to every event.
type Record struct {
	Session  string `json:"session"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Address  string `json:"address,omitempty"`
	Status   string `json:"status,omitempty"`
	State    string `json:"state,omitempty"`
	LogPath  string `json:"log_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds one fan-out to all sinks.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to every sink. A nil *Recorder records nothing,
// so components can hold one unconditionally.
type Recorder struct {
	session string
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder returns a Recorder stamping events with the session id.
func NewRecorder(session string, logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{
		session: session,
		sinks:   sinks,
		logger:  logger.With("component", "history"),
		timeout: DefaultSendTimeout,
		now:     time.Now,
	}
}

// Session returns the id stamped on recorded events.
func (r *Recorder) Session() string {
	if r == nil {
		return ""
	}
	return r.session
}

// Record sends the event to all sinks concurrently and returns the joined
// sink errors. Failures are also logged; callers on hot paths ignore the result.
func (r *Recorder) Record(ctx context.Context, typ EventType, rec Record) error {
	if r == nil || len(r.sinks) == 0 {
		return nil
	}
	rec.Session = r.session
	ev := Event{Type: typ, OccurredAt: r.now().UTC(), Record: rec}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	errs := make([]error, len(r.sinks))
	var g errgroup.Group
	for i, s := range r.sinks {
		g.Go(func() error {
			if err := s.Send(ctx, ev); err != nil {
				r.logger.Warn("history sink failed", "event", string(typ), "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
