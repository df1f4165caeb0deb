// Package mongovisr launches a local mongod, connects to it and shuts it
// down when the host application finishes.
//
//	app := &mongovisr.App{}
//	sess, err := mongovisr.Launch(app, &mongovisr.Config{Bin: "mongod", DBPath: ".data/"})
//	...
//	db := app.DB() // published after the buildInfo handshake
package mongovisr

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/connection"
	"github.com/loykin/mongovisr/internal/history"
	"github.com/loykin/mongovisr/internal/history/factory"
	"github.com/loykin/mongovisr/internal/metrics"
	"github.com/loykin/mongovisr/internal/process"
	"github.com/loykin/mongovisr/internal/server"
	"github.com/loykin/mongovisr/internal/session"
)

// Re-export core types for external consumers.

type Config = config.Config

type ConnOptions = config.ConnOptions

type FileConfig = config.File

type Connection = connection.Connection

type Host = connection.Host

type Teardown = connection.Teardown

type State = connection.State

type App = session.App

type Session = session.Session

type SessionOption = session.Option

type Status = session.Status

type ServerProcess = process.ServerProcess

type Stats = process.Stats

type HistorySink = history.Sink

var (
	ErrMissingHost   = session.ErrMissingHost
	ErrMissingConfig = config.ErrMissingConfig
	ErrSpawn         = process.ErrSpawn
)

func New(opts ...SessionOption) *Session { return session.New(opts...) }

// Launch starts mongod for cfg and connects host to it in a new session.
// The returned session is non-nil even when err is set.
func Launch(host Host, cfg *Config, opts ...SessionOption) (*Session, error) {
	s := session.New(opts...)
	_, err := s.Launch(host, cfg)
	return s, err
}

// Connect connects host to an already running mongod in a new session.
func Connect(host Host, cfg *Config, opts ...SessionOption) (*Session, error) {
	s := session.New(opts...)
	return s, s.Connect(host, cfg)
}

func LoadConfig(path string) (*FileConfig, error) { return config.LoadConfig(path) }

// NewHistorySinks opens one history sink per DSN.
func NewHistorySinks(dsns []string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

func WithSinks(s ...HistorySink) SessionOption { return session.WithSinks(s...) }

// RegisterMetrics registers the Prometheus collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers the collectors with the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

func MetricsHandler() http.Handler { return metrics.Handler() }

// NewHTTPServer serves the admin API for s on addr under basePath.
func NewHTTPServer(addr, basePath string, s *Session) *http.Server {
	return server.NewServer(addr, basePath, s)
}

// Handler returns the admin API handler for mounting in another server.
func Handler(s *Session, basePath string) http.Handler {
	return server.NewRouter(s, basePath).Handler()
}
