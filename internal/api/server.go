// Package api exposes the Request Orchestrator over REST/JSON, per
// spec.md §6's external interface list. The router shape — gorilla/mux,
// a chained middleware stack, one handler struct holding every
// dependency by reference — is lifted directly from the teacher's
// internal/api.APIServer.Start.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/cipher-gateway/internal/metrics"
	"github.com/ocx/cipher-gateway/internal/middleware"
	"github.com/ocx/cipher-gateway/internal/orchestrator"
)

// Server exposes the gateway's REST/SSE surface.
type Server struct {
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics

	corsOrigins    []string
	rateLimit      middleware.RateLimitConfig
	requestTimeout time.Duration
}

// New constructs a Server wrapping orch. metrics may be nil, in which
// case request observation is skipped.
func New(orch *orchestrator.Orchestrator, m *metrics.Metrics, corsOrigins []string, rateLimit middleware.RateLimitConfig, requestTimeout time.Duration) *Server {
	return &Server{
		orch:           orch,
		metrics:        m,
		corsOrigins:    corsOrigins,
		rateLimit:      rateLimit,
		requestTimeout: requestTimeout,
	}
}

// Router builds the mux.Router this server serves, per spec.md §6's
// endpoint list: keys, ciphertexts, upstream, accounting, and the
// operational health/metrics surface.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(s.corsOrigins))

	limiter := middleware.NewRateLimiter(s.rateLimit)
	r.Use(limiter.Middleware)
	if s.metrics != nil {
		r.Use(s.observeRequests)
	}

	r.HandleFunc("/v1/keys", s.handleGenerateKeys).Methods(http.MethodPost)
	r.HandleFunc("/v1/keys/{client_id}/rotate", s.handleRotateKey).Methods(http.MethodPost)
	r.HandleFunc("/v1/keys/{client_id}", s.handleRevokeKey).Methods(http.MethodDelete)

	r.HandleFunc("/v1/ciphertexts/encrypt", s.handleEncrypt).Methods(http.MethodPost)
	r.HandleFunc("/v1/ciphertexts/{id}/decrypt", s.handleDecrypt).Methods(http.MethodPost)
	r.HandleFunc("/v1/ciphertexts/concat", s.handleConcat).Methods(http.MethodPost)
	r.HandleFunc("/v1/ciphertexts/{id}/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/ciphertexts/{id}", s.handleGetCiphertext).Methods(http.MethodGet)
	r.HandleFunc("/v1/ciphertexts/{id}", s.handleDeleteCiphertext).Methods(http.MethodDelete)

	r.HandleFunc("/v1/upstream/submit", s.handleUpstreamSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/upstream/{id}/stream", s.handleUpstreamStream).Methods(http.MethodGet)

	r.HandleFunc("/v1/accounting/{principal}", s.handleGetAccounting).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/accounting/{principal}/reset", s.handleResetAccounting).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// ListenAndServe starts the HTTP server on addr, matching the
// teacher's Start(port int) shape generalized to a full address and a
// *http.Server so the composition root can drive graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.requestTimeout,
		WriteTimeout: s.requestTimeout,
	}
	slog.Info("gateway listening", "addr", addr)
	return srv.ListenAndServe()
}

// observeRequests records each request's route template and outcome
// status class against internal/metrics, matching the teacher's habit
// of wrapping handlers rather than threading metrics calls through
// each one individually.
func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		op := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				op = tmpl
			}
		}
		status := "ok"
		if rec.status >= 400 {
			status = "error"
		}
		s.metrics.ObserveRequest(op, status, time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush satisfies http.Flusher so the SSE stream handler still sees a
// flushable writer through this wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ready"}`)
}
