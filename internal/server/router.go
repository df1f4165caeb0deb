package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mongovisr/internal/metrics"
	"github.com/loykin/mongovisr/internal/process"
	"github.com/loykin/mongovisr/internal/session"
)

// Router exposes a session over HTTP.
// Endpoints:
//
//	GET  {basePath}/status               session status; stats=1 adds process stats
//	POST {basePath}/shutdown             query: wait=10s (optional)
//	GET  {basePath}/collections/:name    resolves and caches a collection handle
//	GET  {basePath}/objectid             a fresh ObjectID
//	GET  /metrics                        when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sess     *session.Session
	basePath string
	metrics  bool
}

type RouterOption func(*Router)

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() RouterOption { return func(r *Router) { r.metrics = true } }

func NewRouter(sess *session.Session, basePath string, opts ...RouterOption) *Router {
	r := &Router{sess: sess, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/shutdown", r.handleShutdown)
	group.GET("/collections/:name", r.handleCollection)
	group.GET("/objectid", r.handleObjectID)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr serving the session.
func NewServer(addr, basePath string, sess *session.Session, opts ...RouterOption) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(sess, basePath, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	session.Status
	Stats *process.Stats `json:"stats,omitempty"`
}

type collectionResp struct {
	Name   string   `json:"name"`
	Cached []string `json:"cached"`
}

type objectIDResp struct {
	ID string `json:"id"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Status: r.sess.Status()}
	if c.Query("stats") == "1" || c.Query("stats") == "true" {
		st, err := r.sess.Supervisor().Stats(c.Request.Context())
		switch {
		case err == nil:
			resp.Stats = &st
		case !errors.Is(err, process.ErrNotRunning):
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleShutdown(c *gin.Context) {
	wait := session.DefaultStopWait
	if s := c.Query("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
			return
		}
		wait = d
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	if err := r.sess.Shutdown(ctx); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCollection(c *gin.Context) {
	name := c.Param("name")
	if !isCollectionName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid collection name"})
		return
	}
	conn := r.sess.Client()
	if conn == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "database not connected"})
		return
	}
	coll := conn.GetCollection(name)
	writeJSON(c, http.StatusOK, collectionResp{Name: coll.Name(), Cached: conn.CachedCollections()})
}

func (r *Router) handleObjectID(c *gin.Context) {
	conn := r.sess.Client()
	if conn == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "database not connected"})
		return
	}
	writeJSON(c, http.StatusOK, objectIDResp{ID: conn.ObjectID().Hex()})
}
