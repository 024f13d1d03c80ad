// Package server exposes a provgraph database over HTTP.
//
// Programs are posted as JSON or YAML to /v1/query and run in their own
// session. The number of sessions running at once is bounded; a request
// that cannot get a slot before its timeout is turned away with 503.
//
// Endpoints:
//
//	POST /v1/query           - compile and run a program
//	GET  /v1/symbols         - symbol table snapshot
//	GET  /v1/metadata/:name  - metadata bundle bound to @name
//	POST /v1/gc              - collect unreachable names now
//	POST /v1/reset           - drop every binding and collect
//	GET  /v1/stats           - store counts
//	GET  /health             - liveness
//	GET  /status             - server and store statistics
//	GET  /metrics            - Prometheus metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orneryd/provgraph/pkg/config"
	"github.com/orneryd/provgraph/pkg/provgraph"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrServerClosed is returned by Start once Stop was called.
var ErrServerClosed = errors.New("server closed")

// maxRequestSize bounds the body of a posted program.
const maxRequestSize = 10 * 1024 * 1024

// Server is the HTTP API server.
type Server struct {
	config *config.ServerConfig
	db     *provgraph.DB
	router *gin.Engine
	slots  *semaphore.Weighted

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64

	log *logrus.Entry
}

// New creates a server for db. A nil cfg uses the defaults.
func New(db *provgraph.DB, cfg *config.ServerConfig) (*Server, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	if cfg == nil {
		def := config.DefaultConfig().Server
		cfg = &def
	}
	sessions := cfg.MaxConcurrentSessions
	if sessions <= 0 {
		sessions = 1
	}

	s := &Server{
		config:  cfg,
		db:      db,
		slots:   semaphore.NewWeighted(int64(sessions)),
		started: time.Now(),
		log:     logrus.WithField("component", "server"),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()

	s.log.WithField("addr", listener.Addr().String()).Info("http server listening")
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.metricsMiddleware(), s.loggingMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.POST("/query", s.withSession(s.handleQuery))
	v1.POST("/gc", s.withSession(s.handleGC))
	v1.POST("/reset", s.withSession(s.handleReset))
	v1.GET("/symbols", s.handleSymbols)
	v1.GET("/metadata/:name", s.handleMetadata)
	v1.GET("/stats", s.handleStats)
	return router
}
