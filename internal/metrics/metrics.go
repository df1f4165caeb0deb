package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mongovisr"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mongod",
			Name:      "starts_total",
			Help:      "Number of mongod launches that produced a pid.",
		},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mongod",
			Name:      "exits_total",
			Help:      "Number of observed mongod exits by exit code.",
		}, []string{"code"},
	)
	processRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mongod",
			Name:      "running",
			Help:      "1 while a supervised mongod is alive.",
		},
	)

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "attempts_total",
			Help:      "Number of dial attempts by result.",
		}, []string{"result"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "handshakes_total",
			Help:      "Number of buildInfo handshakes by result.",
		}, []string{"result"},
	)
	connectionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "events_total",
			Help:      "Driver lifecycle events by type.",
		}, []string{"type"},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "dropped_events_total",
			Help:      "Driver events discarded because the manager queue was full.",
		},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Number of connection state transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "current_state",
			Help:      "Current connection state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	shutdowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mongod",
			Name:      "shutdowns_total",
			Help:      "Shutdown commands sent to mongod by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processExits, processRunning,
		connectAttempts, handshakes, connectionEvents, droppedEvents,
		stateTransitions, currentStates, shutdowns,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncProcessStart() {
	if regOK.Load() {
		processStarts.Inc()
	}
}

func IncProcessExit(code int) {
	if regOK.Load() {
		processExits.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func SetProcessRunning(running bool) {
	if regOK.Load() {
		processRunning.Set(boolValue(running))
	}
}

// Result labels
const (
	ResultOK    = "ok"
	ResultError = "error"
)

func IncConnectAttempt(result string) {
	if regOK.Load() {
		connectAttempts.WithLabelValues(result).Inc()
	}
}

func IncHandshake(result string) {
	if regOK.Load() {
		handshakes.WithLabelValues(result).Inc()
	}
}

func IncConnectionEvent(typ string) {
	if regOK.Load() {
		connectionEvents.WithLabelValues(typ).Inc()
	}
}

func IncDroppedEvent() {
	if regOK.Load() {
		droppedEvents.Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		currentStates.WithLabelValues(state).Set(boolValue(active))
	}
}

func IncShutdown(result string) {
	if regOK.Load() {
		shutdowns.WithLabelValues(result).Inc()
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
