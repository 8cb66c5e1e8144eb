package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaycrm/relay/internal/approval"
	"github.com/relaycrm/relay/internal/audit"
	"github.com/relaycrm/relay/internal/orchestrator"
	relayotel "github.com/relaycrm/relay/internal/otel"
	"github.com/relaycrm/relay/internal/procmem"
	"github.com/relaycrm/relay/internal/relevance"
	"github.com/relaycrm/relay/internal/secrets"
	"github.com/relaycrm/relay/internal/tenant"
)

const defaultTimeout = 60 * time.Second

// executeTimeout bounds a full orchestration pass, which may include several
// remote model calls.
const executeTimeout = 5 * time.Minute

// OrchestratorResolver returns the orchestrator for a tenant. Orchestrators
// differ per tenant because each tenant carries its own policy.
type OrchestratorResolver interface {
	For(ctx context.Context, tenantID string) (*orchestrator.Orchestrator, error)
}

// Server holds all dependencies for the HTTP API.
type Server struct {
	router        *chi.Mux
	resolver      OrchestratorResolver
	approvals     *approval.Store
	auditStore    *audit.Store
	procStore     *procmem.Store
	validationLog *relevance.AuditLog
	vault         *secrets.Vault
	tenantManager *tenant.Manager
	apiKeys       map[string]string
	corsOrigins   []string
	startTime     time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithTenantManager sets the tenant manager for rate limiting and per-tenant
// policy resolution.
func WithTenantManager(tm *tenant.Manager) Option {
	return func(s *Server) { s.tenantManager = tm }
}

// WithValidationLog exposes the relevance audit log (optional).
func WithValidationLog(a *relevance.AuditLog) Option {
	return func(s *Server) { s.validationLog = a }
}

// WithVault exposes credential metadata and the vault access log (optional).
func WithVault(v *secrets.Vault) Option {
	return func(s *Server) { s.vault = v }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server with the required dependencies and optional
// Option(s).
func NewServer(
	resolver OrchestratorResolver,
	approvals *approval.Store,
	auditStore *audit.Store,
	procStore *procmem.Store,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		resolver:    resolver,
		approvals:   approvals,
		auditStore:  auditStore,
		procStore:   procStore,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler. Action execution is registered
// without the default request timeout so its longer deadline applies.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(relayotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.tenantManager))

		// Long-running: handler-level timeout applies.
		r.Post("/v1/actions/execute", s.handleActionExecute)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))

			r.Get("/v1/approvals", s.handleApprovalsPending)
			r.Post("/v1/approvals/{id}/respond", s.handleApprovalRespond)
			r.Post("/v1/approvals/bulk", s.handleApprovalsBulk)

			r.Get("/v1/procedures", s.handleProceduresList)
			r.Get("/v1/procedures/{id}", s.handleProcedureGet)
			r.Get("/v1/traces", s.handleTracesList)

			r.Get("/v1/audit", s.handleAuditList)
			r.Get("/v1/validations", s.handleValidationsList)

			r.Get("/v1/secrets", s.handleSecretsList)
			r.Get("/v1/secrets/audit", s.handleSecretsAudit)
		})
	})

	return r
}
