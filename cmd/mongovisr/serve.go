package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/history/factory"
	"github.com/loykin/mongovisr/internal/logger"
	"github.com/loykin/mongovisr/internal/metrics"
	"github.com/loykin/mongovisr/internal/server"
	"github.com/loykin/mongovisr/internal/session"
)

func runServe(ctx context.Context, configPath string, flags *ServeFlags, opts ...session.Option) error {
	if configPath == "" {
		return errors.New("config file required for serve command. Use --config=config.toml or provide as argument")
	}
	fc, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	log, closer := logger.New(fc.Log)
	defer func() { _ = closer.Close() }()

	var metricsSrv *http.Server
	if fc.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if fc.Metrics.Listen != "" {
			metricsSrv = serveMetrics(fc.Metrics.Listen, log)
		}
	}

	sinks, err := factory.NewSinks(fc.History)
	if err != nil {
		return err
	}
	sess := session.New(append([]session.Option{session.WithLogger(log), session.WithSinks(sinks...)}, opts...)...)
	defer func() { _ = sess.Close() }()

	app := &session.App{}
	cfg := &fc.Mongod
	if flags.ConnectOnly {
		err = sess.Connect(app, cfg)
	} else {
		_, err = sess.Launch(app, cfg)
	}
	if err != nil {
		return err
	}

	var apiSrv *http.Server
	if fc.Server.Listen != "" {
		var ropts []server.RouterOption
		if fc.Metrics.Enabled && fc.Metrics.Listen == "" {
			ropts = append(ropts, server.WithMetrics())
		}
		apiSrv = server.NewServer(fc.Server.Listen, fc.Server.BasePath, sess, ropts...)
		log.Info("admin API listening", "addr", fc.Server.Listen, "base_path", fc.Server.BasePath)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var fatal error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case fatal = <-sess.Fatal():
		log.Error("mongod died, shutting down", "error", fatal)
	}

	for _, srv := range []*http.Server{apiSrv, metricsSrv} {
		if srv != nil {
			_ = srv.Close()
		}
	}

	timeout := cfg.Resolve().ShutdownTimeout
	doneCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := app.Done(doneCtx); err != nil {
		log.Error("database shutdown failed", "error", err)
	}
	if !flags.ConnectOnly {
		waitCtx, cancelWait := context.WithTimeout(context.Background(), timeout)
		defer cancelWait()
		if err := sess.Shutdown(waitCtx); err != nil {
			log.Error("mongod shutdown failed", "error", err)
		}
	}
	return fatal
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}
