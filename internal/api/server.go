package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betterhub/hubsync/internal/config"
	"github.com/betterhub/hubsync/internal/ratelimit"
	"github.com/betterhub/hubsync/internal/store"
	"github.com/betterhub/hubsync/internal/telemetry"
)

// Server wires the HTTP surface used by the application layer: enqueue
// refreshes, read cache entries, and inspect or requeue dead-lettered jobs.
type Server struct {
	cfg    config.Config
	store  *store.Store
	budget *ratelimit.Budget
	logger *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, budget *ratelimit.Budget, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		store:  st,
		budget: budget,
		logger: logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/refresh", s.handleRefresh)
	// Cache keys may contain slashes (e.g. pulls:owner/repo), so the key is
	// the whole remaining path.
	r.Get("/cache/{userID}/*", s.handleCacheGet)
	r.Get("/users/{userID}/jobs/failed", s.handleFailedJobs)
	r.Post("/jobs/{id}/requeue", s.handleRequeue)
	return r
}

type refreshRequest struct {
	UserID    string          `json:"user_id"`
	DedupeKey string          `json:"dedupe_key"`
	JobType   string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload"`
}

type refreshResponse struct {
	Enqueued bool `json:"enqueued"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	if req.DedupeKey == "" {
		req.DedupeKey = "refresh:" + req.JobType
	}

	if s.budget != nil {
		allowed, _, err := s.budget.Allow(r.Context(), req.UserID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	enqueued, err := s.store.Enqueue(r.Context(), req.UserID, req.DedupeKey, req.JobType, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if enqueued {
		telemetry.EnqueueCounter.Inc()
	} else {
		// An active job already holds this dedupe key; the refresh is
		// already on its way.
		telemetry.DedupeCounter.Inc()
	}

	writeJSON(w, http.StatusAccepted, refreshResponse{Enqueued: enqueued})
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	cacheKey := chi.URLParam(r, "*")
	if cacheKey == "" {
		http.Error(w, "cache key is required", http.StatusBadRequest)
		return
	}

	entry, err := s.store.CacheGet(r.Context(), userID, cacheKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entry == nil {
		telemetry.CacheMisses.Inc()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	telemetry.CacheHits.Inc()
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	jobs, err := s.store.FailedJobs(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	requeued, err := s.store.Requeue(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !requeued {
		http.Error(w, "job is not requeueable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// requestLogger tags each request with an id and logs the method and path.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		s.logger.Debug("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
