package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DiagnosticsTTL is how long a diagnostics report is served from cache
const DiagnosticsTTL = 30 * time.Second

const diagnosticsKey = "billing"

// Runner executes scheduler passes
type Runner interface {
	Run(ctx context.Context, req billing.RunRequest) (*billing.RunReport, error)
}

// DiagnosticsReader builds the billing diagnostics report
type DiagnosticsReader interface {
	Report(ctx context.Context) (*billing.DiagnosticsReport, error)
}

// DispatchQueue is the manual control surface of the email queue
type DispatchQueue interface {
	Stats(ctx context.Context) (dispatch.Stats, error)
	Reset(ctx context.Context, id string) error
	ResetFailed(ctx context.Context) (int, error)
}

// Config wires the server's dependencies. Nil members disable their routes.
type Config struct {
	Runner      Runner
	Diagnostics DiagnosticsReader
	Queue       DispatchQueue
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Logger      *observability.Logger
	Location    *time.Location
	// DiagnosticsTTL overrides the report cache lifetime
	DiagnosticsTTL time.Duration
}

// Server represents the operator API server
type Server struct {
	router      *mux.Router
	handler     http.Handler
	runner      Runner
	diagnostics DiagnosticsReader
	queue       DispatchQueue
	metrics     *observability.Metrics
	logger      *observability.Logger
	location    *time.Location
	reports     *expirable.LRU[string, *billing.DiagnosticsReport]
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DiagnosticsTTL <= 0 {
		cfg.DiagnosticsTTL = DiagnosticsTTL
	}

	s := &Server{
		router:      mux.NewRouter(),
		runner:      cfg.Runner,
		diagnostics: cfg.Diagnostics,
		queue:       cfg.Queue,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		location:    cfg.Location,
		reports:     expirable.NewLRU[string, *billing.DiagnosticsReport](1, nil, cfg.DiagnosticsTTL),
	}

	s.setupRoutes()
	if cfg.Health != nil {
		observability.RegisterHealthRoutes(s.router, cfg.Health)
	}
	if cfg.Metrics != nil {
		s.router.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}

	var h http.Handler = s.router
	if cfg.Metrics != nil {
		h = cfg.Metrics.HTTPMiddleware(h)
	}
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)(h)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	if s.diagnostics != nil {
		v1.HandleFunc("/diagnostics/billing", s.getBillingDiagnostics).Methods(http.MethodGet)
	}
	if s.runner != nil {
		v1.HandleFunc("/billing/preview", s.previewRun).Methods(http.MethodGet)
		v1.HandleFunc("/billing/runs", s.createRun).Methods(http.MethodPost)
	}
	if s.queue != nil {
		v1.HandleFunc("/dispatch/stats", s.getDispatchStats).Methods(http.MethodGet)
		v1.HandleFunc("/dispatch/reset-failed", s.resetFailedDispatch).Methods(http.MethodPost)
		v1.HandleFunc("/dispatch/{id}/reset", s.resetDispatch).Methods(http.MethodPost)
	}
}

// Router exposes the bare router for mounting extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
