// Package server provides the HTTP boundary: routing, header extraction,
// feature gating and the error taxonomy mapping.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/dpm/internal/asyncops"
	"github.com/aristath/dpm/internal/config"
	"github.com/aristath/dpm/internal/service"
	"github.com/aristath/dpm/internal/support"
)

// Request headers.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderPolicyPack     = "X-Policy-Pack-Id"
	HeaderTenantPack     = "X-Tenant-Policy-Pack-Id"
)

// Config holds server wiring.
type Config struct {
	Log       zerolog.Logger
	Port      int
	Service   *service.Service
	Lifecycle *service.Lifecycle
	Async     *asyncops.Manager
	Gates     *config.Config
	Registry  *prometheus.Registry
}

// Server is the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	svc       *service.Service
	lifecycle *service.Lifecycle
	async     *asyncops.Manager
	gates     *config.Config
	registry  *prometheus.Registry
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("service", "http").Logger(),
		svc:       cfg.Service,
		lifecycle: cfg.Lifecycle,
		async:     cfg.Async,
		gates:     cfg.Gates,
		registry:  cfg.Registry,
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderIdempotencyKey, HeaderCorrelationID, HeaderPolicyPack, HeaderTenantPack},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.registry != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.router.Route("/rebalance", func(r chi.Router) {
		r.Post("/simulate", s.handleSimulate)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/analyze/async", s.handleAnalyzeAsync)

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", s.handleListOperations)
			r.Get("/{id}", s.handleGetOperation)
			r.Get("/by-correlation/{cid}", s.handleGetOperationByCorrelation)
			r.Post("/{id}/execute", s.handleExecuteOperation)
			r.Post("/{id}/cancel", s.handleCancelOperation)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Get("/by-correlation/{cid}", s.handleGetRunByCorrelation)
			r.Get("/idempotency/{key}", s.handleGetRunByIdempotencyKey)
			r.Get("/by-request-hash/{hash}", s.handleGetRunByRequestHash)
			r.Get("/{id}/artifact", s.handleGetRunArtifact)
			r.Get("/{id}/support-bundle", s.handleBundle)
			r.Get("/by-correlation/{cid}/support-bundle", s.handleBundleByCorrelation)
			r.Get("/idempotency/{key}/support-bundle", s.handleBundleByIdempotencyKey)
			r.Get("/by-operation/{id}/support-bundle", s.handleBundleByOperation)
			r.Get("/{id}/workflow", s.handleGetWorkflow)
			r.Post("/{id}/workflow/actions", s.handleWorkflowAction)
			r.Get("/{id}/workflow/history", s.handleWorkflowHistory)
			r.Get("/by-correlation/{cid}/workflow", s.handleGetWorkflowByCorrelation)
			r.Post("/by-correlation/{cid}/workflow/actions", s.handleWorkflowActionByCorrelation)
			r.Get("/by-correlation/{cid}/workflow/history", s.handleWorkflowHistoryByCorrelation)
			r.Get("/idempotency/{key}/workflow", s.handleGetWorkflowByIdempotencyKey)
			r.Post("/idempotency/{key}/workflow/actions", s.handleWorkflowActionByIdempotencyKey)
			r.Get("/idempotency/{key}/workflow/history", s.handleWorkflowHistoryByIdempotencyKey)
		})

		r.Get("/workflow/decisions", s.handleListWorkflowDecisions)
		r.Get("/workflow/decisions/by-correlation/{cid}", s.handleWorkflowDecisionsByCorrelation)

		r.Get("/supportability/summary", s.handleSupportabilitySummary)
		r.Get("/lineage/{entityID}", s.handleLineage)
		r.Get("/idempotency/{key}/history", s.handleIdempotencyHistory)

		r.Get("/policies/effective", s.handleEffectivePolicy)
		r.Get("/policies/catalog", s.handlePolicyCatalog)

		r.Route("/proposals", func(r chi.Router) {
			r.Post("/simulate", s.handleProposalSimulate)
			r.Post("/artifact", s.handleProposalArtifact)
			r.Post("/", s.handleProposalCreate)
			r.Get("/", s.handleProposalList)
			r.Get("/{id}", s.handleProposalGet)
			r.Get("/{id}/versions/{n}", s.handleProposalVersion)
			r.Post("/{id}/versions", s.handleProposalAddVersion)
			r.Post("/{id}/transitions", s.handleProposalTransition)
			r.Post("/{id}/approvals", s.handleProposalApproval)
			r.Get("/{id}/approvals", s.handleProposalApprovals)
			r.Get("/{id}/events", s.handleProposalEvents)
		})
	})
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "dpm",
	})
}

// headers extracts the request-scoped identifiers, generating a correlation
// id when the caller did not send one.
func (s *Server) headers(r *http.Request) service.Headers {
	hdr := service.Headers{
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		CorrelationID:  r.Header.Get(HeaderCorrelationID),
		PolicyPackID:   r.Header.Get(HeaderPolicyPack),
		TenantID:       r.Header.Get(HeaderTenantPack),
	}
	if hdr.CorrelationID == "" {
		hdr.CorrelationID = service.NewCorrelationID()
	}
	return hdr
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// listParams extracts cursor pagination parameters.
func listParams(r *http.Request) (cursor string, limit int) {
	cursor = r.URL.Query().Get("cursor")
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	return cursor, limit
}

func parseTimeParam(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

func runFilters(r *http.Request) support.RunFilters {
	q := r.URL.Query()
	return support.RunFilters{
		From:        parseTimeParam(r, "from"),
		To:          parseTimeParam(r, "to"),
		Status:      runStatusParam(q.Get("status")),
		PortfolioID: q.Get("portfolio_id"),
		RequestHash: q.Get("request_hash"),
	}
}

func operationFilters(r *http.Request) support.OperationFilters {
	q := r.URL.Query()
	return support.OperationFilters{
		From:          parseTimeParam(r, "from"),
		To:            parseTimeParam(r, "to"),
		Status:        support.OperationStatus(q.Get("status")),
		OperationType: q.Get("operation_type"),
		CorrelationID: q.Get("correlation_id"),
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
