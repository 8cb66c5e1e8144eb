package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/relaycrm/relay/internal/approval"
	"github.com/relaycrm/relay/internal/audit"
	"github.com/relaycrm/relay/internal/config"
	"github.com/relaycrm/relay/internal/crm"
	"github.com/relaycrm/relay/internal/llm"
	"github.com/relaycrm/relay/internal/orchestrator"
	"github.com/relaycrm/relay/internal/pipeline"
	"github.com/relaycrm/relay/internal/planner"
	"github.com/relaycrm/relay/internal/policy"
	"github.com/relaycrm/relay/internal/procmem"
	"github.com/relaycrm/relay/internal/relevance"
	"github.com/relaycrm/relay/internal/secrets"
	"github.com/relaycrm/relay/internal/tenant"
)

// vaultKeyOpenAI is the vault entry name for per-tenant OpenAI-compatible
// API keys.
const vaultKeyOpenAI = "openai_api_key"

// appRuntime opens the stores once and builds per-tenant orchestrators on
// demand. Orchestrators differ per tenant because each tenant carries its
// own policy and may carry its own LLM credential.
type appRuntime struct {
	cfg           *config.Config
	procStore     *procmem.Store
	approvals     *approval.Store
	auditStore    *audit.Store
	validationLog *relevance.AuditLog
	vault         *secrets.Vault
	tenants       *tenant.Manager

	mu            sync.Mutex
	orchestrators map[string]*orchestrator.Orchestrator
}

// loadTenants reads the tenants section of relay.config.yaml.
func loadTenants() ([]tenant.Tenant, error) {
	var tenants []tenant.Tenant
	if err := viper.UnmarshalKey("tenants", &tenants); err != nil {
		return nil, fmt.Errorf("parsing tenants config: %w", err)
	}
	return tenants, nil
}

func newAppRuntime(cfg *config.Config) (*appRuntime, error) {
	signer, err := audit.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("audit signer: %w", err)
	}
	auditStore, err := audit.NewStore(cfg.AuditDBPath(), signer)
	if err != nil {
		return nil, fmt.Errorf("initializing audit store: %w", err)
	}

	procStore, err := procmem.NewStore(cfg.ProceduresDBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing procedure store: %w", err)
	}

	approvals, err := approval.NewStore(cfg.ApprovalsDBPath(), cfg.ApprovalTTL())
	if err != nil {
		return nil, fmt.Errorf("initializing approval store: %w", err)
	}

	validationLog, err := relevance.NewAuditLog(cfg.ValidationsDBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing validation log: %w", err)
	}

	vault, err := secrets.NewVault(cfg.VaultDBPath(), cfg.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("initializing vault: %w", err)
	}

	tenants, err := loadTenants()
	if err != nil {
		return nil, err
	}
	manager := tenant.NewManager(tenants, auditStore, ".")

	return &appRuntime{
		cfg:           cfg,
		procStore:     procStore,
		approvals:     approvals,
		auditStore:    auditStore,
		validationLog: validationLog,
		vault:         vault,
		tenants:       manager,
		orchestrators: make(map[string]*orchestrator.Orchestrator),
	}, nil
}

func (rt *appRuntime) Close() {
	_ = rt.vault.Close()
	_ = rt.validationLog.Close()
	_ = rt.approvals.Close()
	_ = rt.procStore.Close()
	_ = rt.auditStore.Close()
}

// For returns the tenant's orchestrator, building and caching it on first
// use.
func (rt *appRuntime) For(ctx context.Context, tenantID string) (*orchestrator.Orchestrator, error) {
	rt.mu.Lock()
	if orch, ok := rt.orchestrators[tenantID]; ok {
		rt.mu.Unlock()
		return orch, nil
	}
	rt.mu.Unlock()

	pol := rt.tenants.Policy(ctx, tenantID)
	engine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return nil, fmt.Errorf("policy engine for tenant %s: %w", tenantID, err)
	}

	provider := rt.provider(ctx, tenantID)
	validator, err := relevance.NewValidator(pol, provider, rt.cfg.ValidatorModel, rt.cfg.LLMMaxAttempts, rt.validationLog)
	if err != nil {
		return nil, fmt.Errorf("relevance validator for tenant %s: %w", tenantID, err)
	}

	orch := orchestrator.New(
		rt.procStore,
		planner.New(provider, rt.cfg.PlannerModel, rt.cfg.LLMMaxAttempts, nil),
		pipeline.New(engine, validator, rt.approvals),
		crm.NewExecutor(),
		nil,
		orchestrator.Config{IndustryFilteredLookups: rt.cfg.IndustryLookups},
	)

	rt.mu.Lock()
	rt.orchestrators[tenantID] = orch
	rt.mu.Unlock()
	return orch, nil
}

// provider resolves the tenant's LLM credential: the vaulted per-tenant key,
// else the operator's. A missing key still yields a provider; its calls fail
// as values downstream rather than at wiring time.
func (rt *appRuntime) provider(ctx context.Context, tenantID string) llm.Provider {
	apiKey := rt.cfg.OpenAIAPIKey
	value, err := rt.vault.Get(ctx, tenantID, vaultKeyOpenAI)
	switch {
	case err == nil:
		apiKey = string(value)
	case errors.Is(err, secrets.ErrSecretNotFound):
		// operator key stays in effect
	default:
		log.Warn().Err(err).
			Str("tenant_id", tenantID).
			Msg("vault_credential_lookup_failed")
	}
	if apiKey == "" {
		log.Warn().
			Str("tenant_id", tenantID).
			Msg("no_llm_credential_configured")
	}

	if rt.cfg.LLMBaseURL != "" {
		return llm.NewOpenAIProviderWithBaseURL(apiKey, rt.cfg.LLMBaseURL)
	}
	return llm.NewOpenAIProvider(apiKey)
}
