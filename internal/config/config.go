package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/mongovisr/internal/logger"
	"github.com/spf13/viper"
)

// Defaults applied by Resolve.
const (
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 27727
	DefaultDatabase   = "supro_GLOB"
	DefaultRetryDelay = 4096 * time.Millisecond

	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	// FailFastSelectionTimeout bounds server selection when buffering is disabled,
	// so operations against a disconnected server are rejected instead of queued.
	FailFastSelectionTimeout = time.Second

	DefaultHandshakeTimeout = 30 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
)

// EnvPrefix is the prefix for environment overrides, e.g. MONGOVISR_MONGOD_PORT.
const EnvPrefix = "MONGOVISR"

// ErrMissingConfig reports an absent configuration or a missing required field.
var ErrMissingConfig = errors.New("missing configuration")

// Config holds the settings of one mongod session.
type Config struct {
	Host          string       `mapstructure:"host"`
	Port          int          `mapstructure:"port"`
	DBPath        string       `mapstructure:"dbpath"`   // data directory; relative paths resolve against BaseDir
	BaseDir       string       `mapstructure:"base_dir"` // application root used for relative DBPath
	Bin           string       `mapstructure:"bin"`      // mongod binary
	CmdLaunch     string       `mapstructure:"cmd_launch"`
	Env           []string     `mapstructure:"env"` // extra K=V entries for mongod; ${VAR} is expanded
	Database      string       `mapstructure:"db"`
	URL           string       `mapstructure:"url"`
	Options       *ConnOptions `mapstructure:"options"`
	StopOnRestart bool         `mapstructure:"stop_on_restart"`

	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// ConnOptions are the driver-level connection options.
// A nil Options on Config is replaced by DefaultConnOptions as a whole.
type ConnOptions struct {
	ServerObjectIDs        bool          `mapstructure:"server_object_ids"`
	Journal                bool          `mapstructure:"journal"`
	BufferMaxEntries       int           `mapstructure:"buffer_max_entries"` // 0 rejects operations while disconnected
	AutoReconnect          bool          `mapstructure:"auto_reconnect"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
}

// DefaultConnOptions returns the options used when none are configured.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		ServerObjectIDs:   true,
		Journal:           true,
		BufferMaxEntries:  0,
		AutoReconnect:     true,
		ConnectTimeout:    DefaultConnectTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// SelectionTimeout is the effective server selection timeout.
func (o ConnOptions) SelectionTimeout() time.Duration {
	if o.ServerSelectionTimeout > 0 {
		return o.ServerSelectionTimeout
	}
	if o.BufferMaxEntries == 0 {
		return FailFastSelectionTimeout
	}
	return 0
}

// Resolve returns a copy of c with every unset field defaulted. c is not modified.
func (c *Config) Resolve() *Config {
	r := *c
	if r.Host == "" {
		r.Host = DefaultHost
	}
	if r.Port <= 0 {
		r.Port = DefaultPort
	}
	if r.Database == "" {
		r.Database = DefaultDatabase
	}
	if r.URL == "" {
		r.URL = "mongodb://" + hostPort(r.Host, r.Port) + "/"
	} else if !strings.HasSuffix(r.URL, "/") {
		r.URL += "/"
	}
	if r.Options == nil {
		o := DefaultConnOptions()
		r.Options = &o
	} else {
		o := *c.Options
		r.Options = &o
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = DefaultRetryDelay
	}
	if r.HandshakeTimeout <= 0 {
		r.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if r.ShutdownTimeout <= 0 {
		r.ShutdownTimeout = DefaultShutdownTimeout
	}
	if r.DBPath != "" {
		r.DBPath = resolvePath(r.BaseDir, r.DBPath)
	}
	return &r
}

// URI is the connection string including the logical database.
func (c *Config) URI() string { return c.URL + c.Database }

// ValidateLaunch checks the fields required to start mongod.
func (c *Config) ValidateLaunch() error {
	if c == nil {
		return ErrMissingConfig
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("%w: dbpath is required", ErrMissingConfig)
	}
	if strings.TrimSpace(c.Bin) == "" {
		return fmt.Errorf("%w: bin is required", ErrMissingConfig)
	}
	return nil
}

func hostPort(host string, port int) string { return host + ":" + strconv.Itoa(port) }

func resolvePath(base, p string) string {
	p = filepath.Clean(p)
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// ServerConfig configures the HTTP admin API.
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // separate listener; empty serves /metrics on the API server
}

// File is the top-level TOML document.
//
//	[mongod]
//	bin = "/usr/local/bin/mongod"
//	dbpath = ".data/"
//
//	[log]
//	level = "info"
//
//	history = ["sqlite:///var/lib/mongovisr/history.db"]
type File struct {
	Mongod  Config        `mapstructure:"mongod"`
	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History []string      `mapstructure:"history"`
}

// LoadConfig reads a TOML file. MONGOVISR_* environment variables override
// scalar keys, e.g. MONGOVISR_MONGOD_PORT=28000.
func LoadConfig(path string) (*File, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc File
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if path != "" && fc.Mongod.BaseDir == "" {
		fc.Mongod.BaseDir = filepath.Dir(path)
	}
	return &fc, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
// Connection options have no defaults here: an unset [mongod.options]
// table must stay nil to pick up DefaultConnOptions.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mongod.host", DefaultHost)
	v.SetDefault("mongod.port", DefaultPort)
	v.SetDefault("mongod.dbpath", "")
	v.SetDefault("mongod.base_dir", "")
	v.SetDefault("mongod.bin", "")
	v.SetDefault("mongod.cmd_launch", "")
	v.SetDefault("mongod.db", DefaultDatabase)
	v.SetDefault("mongod.url", "")
	v.SetDefault("mongod.stop_on_restart", false)
	v.SetDefault("mongod.retry_delay", DefaultRetryDelay)
	v.SetDefault("mongod.handshake_timeout", DefaultHandshakeTimeout)
	v.SetDefault("mongod.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
}
