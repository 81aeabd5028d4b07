package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/metrics"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readTimeout           = 5 * time.Second
)

// Store is the read side the API reports from.
type Store interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (harvest.Stats, error)
	ListRuns(ctx context.Context, limit int) ([]harvest.RunRecord, error)
	GetDeck(ctx context.Context, source, externalID string) (harvest.DeckDetail, error)
	TopUnmapped(ctx context.Context, limit int) ([]harvest.UnmappedName, error)
	Discrepancies(ctx context.Context, limit int) ([]harvest.Discrepancy, error)
}

// JobRunner executes one job and returns its run record.
type JobRunner interface {
	Run(ctx context.Context, op harvest.Operation, source string) (harvest.RunRecord, error)
}

// Options tunes the server.
type Options struct {
	// APIKey guards the job trigger when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the store and the orchestrator.
type Server struct {
	router chi.Router
	store  Store
	jobs   JobRunner
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, jobs JobRunner, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		store:   store,
		jobs:    jobs,
		logger:  logger.Named("api"),
		running: make(map[string]struct{}),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Get("/readyz", s.readyz)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/stats", s.getStats)
			r.Get("/runs", s.listRuns)
			r.Get("/unmapped", s.listUnmapped)
			r.Get("/discrepancies", s.listDiscrepancies)
			r.Get("/decks/{source}/{external_id}", s.getDeck)
		})
	})

	// Jobs run within their own budgets, so the request timeout does not apply.
	r.Route("/v1/jobs", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/{operation}", s.runJob)
		r.Post("/{operation}/{source}", s.runJob)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	op := harvest.Operation(chi.URLParam(r, "operation"))
	source := chi.URLParam(r, "source")
	switch op {
	case harvest.OperationBulk, harvest.OperationDiscovery, harvest.OperationExport:
		if source == "" {
			writeError(w, http.StatusBadRequest, "source is required for "+string(op))
			return
		}
	case harvest.OperationNormalization:
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown operation %q", op))
		return
	}

	key := string(op) + "/" + source
	if !s.claim(key) {
		writeError(w, http.StatusConflict, key+" is already running")
		return
	}
	defer s.unclaim(key)

	rec, err := s.jobs.Run(r.Context(), op, source)
	if rec.ID == "" {
		switch {
		case errors.Is(err, harvest.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			s.logger.Error("job did not start", zap.String("job", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "job produced no run record")
		}
		return
	}
	resp := map[string]any{"run": rec}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[key]; busy {
		return false
	}
	s.running[key] = struct{}{}
	return true
}

func (s *Server) unclaim(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
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
				zap.String("request_id", requestID(r.Context())),
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
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
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
	writeJSON(w, status, map[string]string{"error": msg})
}
