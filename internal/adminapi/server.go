// Package adminapi serves the administrative HTTP surface of a history
// service: job statistics, dead-letter inspection and re-drive, history
// queries and Prometheus metrics.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petrijr/fluxhist/internal/jobqueue"
	"github.com/petrijr/fluxhist/pkg/api"
	"github.com/petrijr/fluxhist/pkg/query"
)

// Service is the part of fluxhist.Service the admin API needs.
type Service interface {
	PendingJobCount(ctx context.Context) (int, error)
	DeadJobs(ctx context.Context) ([]jobqueue.Job, error)
	RetryDeadJob(ctx context.Context, id string) error
	RetryAllDeadJobs(ctx context.Context) (int, error)
	CreateHistoricActivityInstanceQuery() *query.Query
}

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server routes admin requests to a Service.
type Server struct {
	svc    Service
	logger *slog.Logger
	router chi.Router
}

// New creates a Server.
func New(svc Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	s.router = s.setupRouter(opts.Metrics)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter(metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs/stats", s.handleStats)
		r.Get("/jobs/dead", s.handleDeadJobs)
		r.Post("/jobs/dead/retry", s.handleRetryAll)
		r.Post("/jobs/dead/{id}/retry", s.handleRetry)
		r.Get("/activity-instances", s.handleActivityInstances)
		r.Get("/activity-instances/count", s.handleActivityInstanceCount)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("admin_api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps service errors to status codes.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, api.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobqueue.ErrJobNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("admin_api_error", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Stats is the body of GET /api/v1/jobs/stats.
type Stats struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.svc.PendingJobCount(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	dead, err := s.svc.DeadJobs(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, Stats{Pending: pending, Dead: len(dead)})
}

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	dead, err := s.svc.DeadJobs(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, NewJobViews(dead))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.RetryDeadJob(r.Context(), id); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RetryAllDeadJobs(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// Reserved query parameters of the activity instance endpoints. Every other
// parameter is an equality predicate, see query.PredicateNames.
const (
	paramFinished  = "finished"
	paramSortBy    = "sortBy"
	paramSortOrder = "sortOrder"
	paramFirst     = "firstResult"
	paramMax       = "maxResults"
)

// buildQuery translates URL parameters into a query. Paging parameters are
// returned separately.
func (s *Server) buildQuery(r *http.Request) (*query.Query, int, int, error) {
	values := r.URL.Query()
	q := s.svc.CreateHistoricActivityInstanceQuery()

	for name, vals := range values {
		switch name {
		case paramFinished, paramSortBy, paramSortOrder, paramFirst, paramMax:
			continue
		}
		for _, v := range vals {
			q.Where(name, v)
		}
	}

	switch values.Get(paramFinished) {
	case "":
	case "true":
		q.Finished()
	case "false":
		q.Unfinished()
	default:
		return nil, 0, 0, &api.ValidationError{Field: paramFinished, Reason: "must be true or false"}
	}

	q.Sort(values.Get(paramSortBy), values.Get(paramSortOrder))

	first, err := intParam(values.Get(paramFirst), paramFirst)
	if err != nil {
		return nil, 0, 0, err
	}
	max, err := intParam(values.Get(paramMax), paramMax)
	if err != nil {
		return nil, 0, 0, err
	}
	return q, first, max, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &api.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func (s *Server) handleActivityInstances(w http.ResponseWriter, r *http.Request) {
	q, first, max, err := s.buildQuery(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	rows, err := q.ListPage(r.Context(), first, max)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleActivityInstanceCount(w http.ResponseWriter, r *http.Request) {
	q, _, _, err := s.buildQuery(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	n, err := q.Count(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"count": n})
}
