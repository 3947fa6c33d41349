package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"resgov/internal/config"
	"resgov/internal/governor"
	"resgov/internal/health"
	"resgov/internal/tracing"
	"resgov/internal/types"
)

const (
	requestIDHeader = "X-Request-ID"
	callerIDHeader  = "X-Caller-ID"
)

// Server exposes the governor control API
type Server struct {
	config config.ServerConfig
	logger *zap.Logger
	gov    *governor.Governor
	tracer *tracing.Tracer

	router *mux.Router
	server *http.Server
	events *eventHub
}

// New creates a new control API server
func New(cfg config.ServerConfig, gov *governor.Governor, tracer *tracing.Tracer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: cfg,
		logger: logger,
		gov:    gov,
		tracer: tracer,
	}
	s.router = mux.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()
	if cfg.EnableEvents {
		s.events = newEventHub(gov.Bus(), logger)
	}
	return s
}

// Router returns the configured router, for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("Starting control API server", zap.String("address", addr))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control API server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.events != nil {
		s.events.close()
	}
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping control API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)
}

// requestIDMiddleware assigns a request ID when the client sent none and
// echoes it back.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/pressure", s.handlePressure).Methods(http.MethodGet)
	api.HandleFunc("/degradation", s.handleDegradation).Methods(http.MethodGet)
	api.HandleFunc("/degradation/level", s.handleSetLevel).Methods(http.MethodPost)
	api.HandleFunc("/emergency/stop", s.handleEmergencyStop).Methods(http.MethodPost)
	api.HandleFunc("/emergency/resume", s.handleEmergencyResume).Methods(http.MethodPost)
	api.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)
	api.HandleFunc("/caches", s.handleCaches).Methods(http.MethodGet)
	api.HandleFunc("/caches", s.handleClearCaches).Methods(http.MethodDelete)
	api.HandleFunc("/scheduler", s.handleScheduler).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)
	api.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	metricsHandler := promhttp.HandlerFor(s.gov.Registry(), promhttp.HandlerOpts{})
	if s.tracer != nil {
		s.router.Handle("/metrics", s.tracer.Middleware("metrics", metricsHandler)).Methods(http.MethodGet)
	} else {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

// loggingMiddleware logs each request with its duration
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", r.Header.Get(requestIDHeader)),
			zap.Duration("duration", time.Since(start)))
	})
}

// rateLimitMiddleware applies the degradation-tier admission check.
// Health and metrics scrapes are exempt. Requests over the tier limit
// are rejected; requests under it in a degraded tier are held for the
// tier's throttle delay before admission.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		decision := s.gov.CheckRateLimit(callerID(r), "api")
		if !decision.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.Delay.Seconds())+1))
			s.writeError(w, http.StatusTooManyRequests, decision.Reason)
			return
		}
		if decision.Delay > 0 {
			timer := time.NewTimer(decision.Delay)
			select {
			case <-timer.C:
			case <-r.Context().Done():
				timer.Stop()
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// callerID identifies the requesting client for rate limiting. An
// explicit identity header wins; otherwise the remote host is used with
// the ephemeral port stripped, so reconnects share one window.
func callerID(r *http.Request) string {
	if id := r.Header.Get(callerIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.Statistics())
}

func (s *Server) handlePressure(w http.ResponseWriter, r *http.Request) {
	sample, level, err := s.gov.MemoryState()
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"level": s.gov.PressureLevel().String(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"level":  level.String(),
		"sample": sample,
	})
}

func (s *Server) handleDegradation(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.Statistics().Degrade)
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	level, err := types.ParseDegradationLevel(req.Level)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.gov.SetDegradationLevel(level)
	s.writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.gov.EmergencyStop()
	s.writeJSON(w, http.StatusOK, map[string]string{"level": s.gov.DegradationLevel().String()})
}

func (s *Server) handleEmergencyResume(w http.ResponseWriter, r *http.Request) {
	s.gov.Resume()
	s.writeJSON(w, http.StatusOK, map[string]string{"level": s.gov.DegradationLevel().String()})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.gov.ForceCleanup("api")
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCaches(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.Statistics().Caches)
}

func (s *Server) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	dropped := s.gov.ClearCaches()
	s.writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.Statistics().Scheduler)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	if !s.gov.CancelTask(taskID) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found or not cancellable", taskID))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancelled"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.Statistics().Slots)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.gov.Health(r.Context())
	code := http.StatusOK
	if status.State == health.StateUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "event streaming disabled")
		return
	}
	s.events.serve(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
