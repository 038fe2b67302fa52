// Package server exposes an orchestrator over HTTP with a websocket event
// stream for remote viewers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/arbor/internal/events"
	"github.com/iambrandonn/arbor/internal/humanquery"
	"github.com/iambrandonn/arbor/internal/scheduler"
	"github.com/iambrandonn/arbor/internal/task"
)

// Orchestrator is the command surface the server drives
type Orchestrator interface {
	Start(ctx context.Context, goal string) (string, error)
	Wait(ctx context.Context, workflowID string) (task.Outcome, error)
	AnswerQuery(taskID string, answer *string) bool
	PendingQueries() []humanquery.Query
	CancelQueries() int
	Intervene(taskID string, iv scheduler.Intervention) error
	Tree() map[string]task.Snapshot
	Lookup(taskID string) (task.Snapshot, bool)
}

// Config controls the listener and viewer semantics
type Config struct {
	Addr string
	// CancelQueriesOnDisconnect resolves every pending query as absent when
	// the last event stream viewer goes away
	CancelQueriesOnDisconnect bool
	ShutdownTimeout           time.Duration
}

// Server serves orchestrator commands and the event stream
type Server struct {
	cfg      Config
	orch     Orchestrator
	hub      *events.Hub
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers int
}

// New builds the HTTP engine. Events must be fanned out to hub by the caller
// (usually by including it in the orchestrator's sink). A nil gatherer
// disables /metrics.
func New(cfg Config, orch Orchestrator, hub *events.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	s := &Server{
		cfg:      cfg,
		orch:     orch,
		hub:      hub,
		gatherer: gatherer,
		logger:   logger,
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/workflows", s.handleStart)
	s.engine.GET("/workflows/:id", s.handleWait)

	s.engine.GET("/tree", s.handleTree)
	tasks := s.engine.Group("/tasks")
	{
		tasks.GET("/:id", s.handleGetTask)
		tasks.POST("/:id/answer", s.handleAnswer)
		tasks.POST("/:id/intervene", s.handleIntervene)
	}
	s.engine.GET("/queries", s.handleQueries)
	s.engine.POST("/queries/cancel", s.handleCancelQueries)

	s.engine.GET("/events", s.handleEvents)

	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Viewers returns the number of connected event stream clients
func (s *Server) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers
}

func (s *Server) viewerJoined() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewers++
}

func (s *Server) viewerLeft() {
	s.mu.Lock()
	s.viewers--
	last := s.viewers == 0
	s.mu.Unlock()

	if last && s.cfg.CancelQueriesOnDisconnect {
		if n := s.orch.CancelQueries(); n > 0 {
			s.logger.Info("last viewer disconnected, cancelled pending queries", "count", n)
		}
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
