package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/hash/sha256"
	"github.com/JakeFAU/scrapeq/internal/metrics"
	"github.com/JakeFAU/scrapeq/internal/policy/ratelimit"
	"github.com/JakeFAU/scrapeq/internal/search"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

var apiKeyHasher = sha256.NewNamespaced("api-key")

// JobService is the queue surface the handlers drive.
type JobService interface {
	Submit(ctx context.Context, rawURL string, opts crawler.JobOptions) (crawler.JobHandle, error)
	Get(ctx context.Context, id string) (crawler.Job, error)
	List(ctx context.Context, filter crawler.ListFilter) (crawler.JobPage, error)
	Retry(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Ready() bool
}

// Discoverer runs one-shot crawls.
type Discoverer interface {
	Discover(ctx context.Context, seed string, params crawler.DiscoverParams) (crawler.DiscoverResult, error)
	DefaultDepth() int
}

// Searcher runs product searches across marketplaces.
type Searcher interface {
	Search(ctx context.Context, term string, opts search.Options) (search.Result, error)
}

// Admitter gates submissions per client.
type Admitter interface {
	Admit(clientID string, urls []string) (ratelimit.Decision, error)
}

// Config holds the HTTP-facing knobs.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// Server wires HTTP handlers to the queue, crawler and ingress guard.
type Server struct {
	router   chi.Router
	jobs     JobService
	discover Discoverer
	search   Searcher
	guard    Admitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. discover and
// searcher may be nil, in which case their routes answer 503.
func NewServer(
	jobs JobService,
	discover Discoverer,
	searcher Searcher,
	guard Admitter,
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
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		jobs:     jobs,
		discover: discover,
		search:   searcher,
		guard:    guard,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJobs)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/retry", s.retryJob)
				r.Delete("/", s.cancelJob)
			})
		})
		r.Post("/discover", s.discoverURLs)
		r.Post("/search", s.searchProducts)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.jobs.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URLs    []string           `json:"urls"`
	Options crawler.JobOptions `json:"options"`
}

func (s *Server) submitJobs(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	for _, raw := range req.URLs {
		if _, err := crawler.ValidateTarget(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if !s.admit(w, r, req.URLs) {
		return
	}
	ids, err := s.submitAll(r.Context(), req.URLs, req.Options)
	if err != nil {
		s.writeSubmitError(w, "submit jobs", ids, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) submitAll(ctx context.Context, urls []string, opts crawler.JobOptions) ([]string, error) {
	ids := make([]string, 0, len(urls))
	for _, raw := range urls {
		handle, err := s.jobs.Submit(ctx, raw, opts)
		if err != nil {
			return ids, fmt.Errorf("submit %s: %w", raw, err)
		}
		ids = append(ids, handle.ID)
	}
	return ids, nil
}

// admit runs the ingress guard and writes the rejection when it refuses.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, urls []string) bool {
	if s.guard == nil {
		return true
	}
	decision, err := s.guard.Admit(s.clientID(r), urls)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
	if err == nil {
		return true
	}
	if errors.Is(err, crawler.ErrRateLimited) {
		retry := decision.RetryAfter(s.now())
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	}
	s.writeServiceError(w, "admit", err)
	return false
}

type discoverRequest struct {
	URL             string             `json:"url"`
	Depth           *int               `json:"depth"`
	MaxURLs         int                `json:"max_urls"`
	Patterns        []string           `json:"patterns"`
	ExcludePatterns []string           `json:"exclude_patterns"`
	TimeoutMs       int                `json:"timeout_ms"`
	Enqueue         bool               `json:"enqueue"`
	Options         crawler.JobOptions `json:"options"`
}

type discoverResponse struct {
	URLs   []string `json:"urls"`
	Total  int      `json:"total"`
	JobIDs []string `json:"job_ids,omitempty"`
}

func (s *Server) discoverURLs(w http.ResponseWriter, r *http.Request) {
	if s.discover == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery unavailable")
		return
	}
	var req discoverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Depth != nil && *req.Depth < 0 {
		writeError(w, http.StatusBadRequest, "depth must be >= 0")
		return
	}
	params := crawler.DiscoverParams{
		MaxDepth: s.discover.DefaultDepth(),
		MaxURLs:  req.MaxURLs,
		Include:  req.Patterns,
		Exclude:  req.ExcludePatterns,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	if req.Depth != nil {
		params.MaxDepth = *req.Depth
	}
	res, err := s.discover.Discover(r.Context(), req.URL, params)
	if err != nil {
		s.writeServiceError(w, "discover", err)
		return
	}
	resp := discoverResponse{URLs: res.URLs, Total: res.Total}
	if req.Enqueue && len(res.URLs) > 0 {
		if !s.admit(w, r, res.URLs) {
			return
		}
		ids, err := s.submitAll(r.Context(), res.URLs, req.Options)
		if err != nil {
			s.writeSubmitError(w, "enqueue discovered", ids, err)
			return
		}
		resp.JobIDs = ids
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps domain errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// writeSubmitError reports a batch that stopped part-way. job_ids lists the
// jobs already queued; they stay queued.
func (s *Server) writeSubmitError(w http.ResponseWriter, op string, ids []string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Int("queued", len(ids)), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "job_ids": ids})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrInvalidState),
		errors.Is(err, crawler.ErrMaxRetriesExceeded),
		errors.Is(err, crawler.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, crawler.ErrNotInitialized),
		errors.Is(err, crawler.ErrAllProxiesBanned),
		errors.Is(err, crawler.ErrNoIdentitiesAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, crawler.ErrCrawlFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, crawler.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

// clientID keys rate limiting. A key only identifies the caller once the auth
// middleware has checked it; otherwise the caller IP is used. Keys are reduced
// to a short digest so they never reach logs.
func (s *Server) clientID(r *http.Request) string {
	if s.cfg.AuthEnabled {
		if key := requestAPIKey(r); key != "" {
			sum, _ := apiKeyHasher.Hash([]byte(key))
			return "key:" + sum[:16]
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func requestAPIKey(r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return key
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestAPIKey(r) != expected {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
