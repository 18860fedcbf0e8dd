// Package api exposes the administrative HTTP interface for the scheduler.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/orchestrator"
	"github.com/JakeFAU/crawl-scheduler/internal/store"
	"github.com/JakeFAU/crawl-scheduler/internal/summary"
)

const defaultRequestTimeout = 60 * time.Second

// Config controls middleware behaviour.
type Config struct {
	// AuthEnabled requires X-API-Key (or ?api_key=) on every request.
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the tenant manager and status aggregator.
type Server struct {
	router  chi.Router
	manager *orchestrator.Manager
	summary *summary.Aggregator
	history *HistoryHandler
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may be
// nil, in which case /history answers 503.
func NewServer(
	manager *orchestrator.Manager,
	agg *summary.Aggregator,
	history store.HistoryRepository,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		manager: manager,
		summary: agg,
		history: NewHistoryHandler(history, logger),
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/config/{tenant}", s.handleConfigure)
		r.Post("/start/{tenant}", s.handleStart)
		r.Post("/stop/{tenant}", s.handleStop)
		r.Post("/test/{tenant}", s.handleTest)
		r.Get("/status/{tenant}", s.handleStatus)
		r.Get("/history/{tenant}", s.history.ListCycles)
		r.Get("/users", s.handleUsers)
		r.Get("/system/health", s.handleHealth)
		r.Post("/system/status-summary", s.handleSummary)
	})

	s.router = r
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

type configRequest struct {
	APIKey                string   `json:"api_key"`
	BaseURL               string   `json:"base_url"`
	ScheduleMinutes       *float64 `json:"schedule_minutes"`
	WebsiteFilter         []string `json:"website_filter"`
	StatusCheckInterval   *float64 `json:"status_check_interval"`
	SpaceID               string   `json:"space_id"`
	SpaceName             string   `json:"space_name"`
	CrawlAllSpaceWebsites bool     `json:"crawl_all_space_websites"`
}

// Request defaults when a field is omitted from the body.
const (
	defaultScheduleMinutes     = 5
	defaultStatusCheckInterval = 60
)

func (req configRequest) tenantConfig(id string) crawler.TenantConfig {
	minutes := valueOrDefault(req.ScheduleMinutes, defaultScheduleMinutes)
	seconds := valueOrDefault(req.StatusCheckInterval, defaultStatusCheckInterval)
	return crawler.TenantConfig{
		ID:                    id,
		APIKey:                req.APIKey,
		BaseURL:               req.BaseURL,
		SpaceID:               req.SpaceID,
		SpaceName:             req.SpaceName,
		WebsiteFilter:         req.WebsiteFilter,
		ScheduleInterval:      time.Duration(minutes * float64(time.Minute)),
		StatusCheckInterval:   time.Duration(seconds * float64(time.Second)),
		CrawlAllSpaceWebsites: req.CrawlAllSpaceWebsites,
	}
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := s.manager.Configure(req.tenantConfig(tenant))
	if err != nil {
		s.fail(w, err, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detail": fmt.Sprintf(
			"Config set for user %s. Call /start/%s to schedule or /test/%s for one-shot run.",
			tenant, tenant, tenant,
		),
		"config": orchestrator.View(cfg),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	res, err := s.manager.Start(r.Context(), tenant)
	if err != nil {
		s.fail(w, err, notConfigured(tenant))
		return
	}
	var detail string
	switch {
	case res.AlreadyRunning:
		detail = fmt.Sprintf("Jobs for user %s already created and running.", tenant)
	case res.Websites == 0:
		detail = "No websites matched filter, nothing scheduled."
	default:
		detail = fmt.Sprintf("Scheduled %d sites at %s intervals.", res.Websites, res.Interval)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detail":         detail,
		"user_id":        tenant,
		"websites_count": res.Websites,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if err := s.manager.Stop(tenant); err != nil {
		s.fail(w, err, fmt.Sprintf("User %s not found", tenant))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detail":  fmt.Sprintf("All scheduled jobs for user %s stopped. Configuration preserved.", tenant),
		"user_id": tenant,
	})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	done, err := s.manager.RunOnce(context.WithoutCancel(r.Context()), tenant)
	if err != nil {
		s.fail(w, err, notConfigured(tenant))
		return
	}
	logger := s.logger.With(zap.String("tenant", tenant))
	go func() {
		if err := <-done; err != nil {
			logger.Warn("test crawl finished with error", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"detail":  fmt.Sprintf("Test crawl started for user %s. Check logs for progress and completion.", tenant),
		"user_id": tenant,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	st, err := s.manager.Status(r.Context(), tenant)
	if err != nil {
		s.fail(w, err, fmt.Sprintf("No config set for user %s. Call /config/%s first.", tenant, tenant))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUsers(w http.ResponseWriter, _ *http.Request) {
	ids := s.manager.TenantIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": ids,
		"total": len(ids),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Health())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.summary == nil {
		writeError(w, http.StatusServiceUnavailable, "status summary unavailable")
		return
	}
	sum, _ := s.summary.Generate(r.Context(), true)
	writeJSON(w, http.StatusOK, map[string]any{
		"detail":    "Status summary generated",
		"timestamp": s.now(),
		"summary":   sum,
	})
}

// fail maps err to an HTTP status. notFound is the detail used for unknown
// tenants.
func (s *Server) fail(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, crawler.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, crawler.ErrSpaceNotFound), errors.Is(err, crawler.ErrNoWebsites):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to fetch websites: %v", err))
	}
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now().UTC()
}

func notConfigured(tenant string) string {
	return fmt.Sprintf("User %s not found. Call /config/%s first.", tenant, tenant)
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
