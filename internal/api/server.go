package api

import (
	"encoding/json"
	"errors"
	"extrato-queue/internal/jobs"
	"extrato-queue/internal/models"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Config holds the HTTP facing settings
type Config struct {
	JWTSecret      string
	AgentToken     string
	MaxPDFBytes    int64
	AllowedOrigins []string
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	queue  *jobs.Queue
	agent  *jobs.Agent
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(queue *jobs.Queue, agent *jobs.Agent, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		queue:  queue,
		agent:  agent,
		cfg:    cfg,
		logger: logger,
	}
}

// Routes builds the router with every HTTP route
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/extrato", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/jobs", s.SubmitJob)
			r.Get("/jobs/latest", s.LatestJob)
			r.Get("/jobs/{id}/pdf", s.DownloadPDF)
			r.Get("/metrics", s.GetMetrics)
		})

		r.Route("/agent", func(r chi.Router) {
			r.Use(s.requireAgent)
			r.Get("/next", s.AgentNext)
			r.Post("/{id}/complete", s.AgentComplete)
			r.Post("/{id}/fail", s.AgentFail)
		})
	})

	return r
}

// accessLog logs one line per request after it is served
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Unknown errors are logged and
// answered with a generic body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		status = http.StatusTooManyRequests
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal server error"})
		return
	}
	writeJSON(w, status, errorBody{Detail: err.Error()})
}
