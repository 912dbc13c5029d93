package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/constants"
	"chatrelay/internal/delivery"
	"chatrelay/internal/middleware"
	"chatrelay/internal/models"
	"chatrelay/internal/queue"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// MessageStore is the read side of the repository used by the REST API.
type MessageStore interface {
	ListMessages(ctx context.Context, q models.MessageQuery) ([]*models.Message, int64, error)
	FindByStatus(ctx context.Context, filter models.MessageFilter) ([]*models.Message, error)
	CountByStatus(ctx context.Context) ([]models.StatusCount, error)
	Statistics(ctx context.Context, start, end time.Time) (*models.DeliveryStatistics, error)
	Ping(ctx context.Context) error
}

type Retrier interface {
	RetryMessages(ctx context.Context, ids []string) []delivery.RetryResult
}

type Purger interface {
	PurgeDelivered(ctx context.Context, age time.Duration) (int64, error)
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Deps are the components the HTTP server exposes.
type Deps struct {
	Hub       http.Handler
	Conns     interface{ Count() int }
	Store     MessageStore
	Retrier   Retrier
	Purger    Purger
	Queue     QueueStats
	Breaker   *queue.Breaker
	Clock     clock.Clock
	StartedAt time.Time
}

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	cfg    *models.Config
	deps   Deps
	server *http.Server
}

func NewServer(cfg *models.Config, deps Deps, logger *logrus.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Conns == nil {
		if c, ok := deps.Hub.(interface{ Count() int }); ok {
			deps.Conns = c
		}
	}
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		cfg:    cfg,
		deps:   deps,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	if s.deps.Hub != nil {
		s.router.Handle("/ws", s.deps.Hub).Methods(http.MethodGet)
	}

	limiter := middleware.NewRateLimiter(
		s.cfg.Server.RateLimitRequests,
		time.Duration(s.cfg.Server.RateLimitWindowSec)*time.Second,
		s.deps.Clock,
	)
	api := s.router.PathPrefix("/api/chat").Subrouter()
	api.Use(middleware.RateLimit(limiter, s.logger))
	api.Use(middleware.DetailedLogging(s.logger, middleware.DefaultDetailedLoggingConfig()))

	api.HandleFunc("/messages", s.handleListMessages()).Methods(http.MethodGet)
	api.HandleFunc("/messages/failed", s.handleFailedMessages()).Methods(http.MethodGet)
	api.HandleFunc("/messages/retry", s.handleRetryMessages()).Methods(http.MethodPost)
	api.HandleFunc("/messages/cleanup", s.handleCleanup()).Methods(http.MethodDelete)
	api.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	api.HandleFunc("/statistics", s.handleStatistics()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status      string       `json:"status"`
	Timestamp   time.Time    `json:"timestamp"`
	Uptime      string       `json:"uptime"`
	Connections int          `json:"connections"`
	Queue       *queue.Stats `json:"queue,omitempty"`
	Breaker     string       `json:"breaker,omitempty"`
	Database    string       `json:"database"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := s.deps.Clock.Now()
		resp := healthResponse{
			Status:    "healthy",
			Timestamp: now,
			Uptime:    now.Sub(s.deps.StartedAt).Round(time.Second).String(),
			Database:  "ok",
		}
		if s.deps.Conns != nil {
			resp.Connections = s.deps.Conns.Count()
		}

		status := http.StatusOK
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.logger.WithError(err).Warn("Health check: database unreachable")
			resp.Status = "unhealthy"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}

		if s.deps.Queue != nil {
			if stats, err := s.deps.Queue.Stats(r.Context()); err == nil {
				resp.Queue = &stats
			} else {
				s.logger.WithError(err).Warn("Health check: queue stats unavailable")
				resp.Status = "degraded"
			}
		}
		if s.deps.Breaker != nil {
			resp.Breaker = s.deps.Breaker.State().String()
		}

		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
