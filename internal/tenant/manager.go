// Package tenant provides multi-tenant request validation: existence, rate
// limiting, and daily action limits backed by the audit store. It also
// resolves each tenant's policy, caching loaded policies by path.
package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/relaycrm/relay/internal/audit"
	"github.com/relaycrm/relay/internal/policy"
)

var (
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrDailyActionsExceeded = errors.New("daily action limit exceeded")
)

// Tenant holds per-tenant configuration.
type Tenant struct {
	ID          string `yaml:"id" mapstructure:"id"`
	DisplayName string `yaml:"display_name" mapstructure:"display_name"`
	// PolicyPath points at the tenant's relay.policy.yaml, relative to the
	// policy directory. Empty means the built-in default policy.
	PolicyPath string `yaml:"policy_path" mapstructure:"policy_path"`
	RateLimit  int    `yaml:"rate_limit" mapstructure:"rate_limit"`   // requests per second; 0 means no limit
	DailyLimit int    `yaml:"daily_limit" mapstructure:"daily_limit"` // executed actions per UTC day; 0 means no limit
}

// Manager validates incoming requests per tenant and resolves tenant policies.
type Manager struct {
	tenants    map[string]*Tenant
	limiters   map[string]*rate.Limiter
	policies   map[string]*policy.TenantPolicy
	auditStore *audit.Store
	policyDir  string
	mu         sync.RWMutex
}

// NewManager creates a tenant manager. auditStore may be nil; daily action
// limits are then not enforced.
func NewManager(tenants []Tenant, auditStore *audit.Store, policyDir string) *Manager {
	m := &Manager{
		tenants:    make(map[string]*Tenant),
		limiters:   make(map[string]*rate.Limiter),
		policies:   make(map[string]*policy.TenantPolicy),
		auditStore: auditStore,
		policyDir:  policyDir,
	}
	for i := range tenants {
		t := &tenants[i]
		m.tenants[t.ID] = t
		if t.RateLimit > 0 {
			m.limiters[t.ID] = rate.NewLimiter(rate.Limit(t.RateLimit), t.RateLimit*2) // burst = 2s worth
		}
	}
	return m
}

// Get returns the tenant record, or ErrTenantNotFound.
func (m *Manager) Get(tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

// ValidateRequest checks that the tenant exists, is within rate limit, and
// within its daily executed-action limit. Returns a typed error on failure.
func (m *Manager) ValidateRequest(ctx context.Context, tenantID string) error {
	m.mu.RLock()
	t, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if !ok {
		return ErrTenantNotFound
	}

	if lim := m.limiter(tenantID); lim != nil {
		if !lim.Allow() {
			return ErrRateLimitExceeded
		}
	}

	if t.DailyLimit > 0 && m.auditStore != nil {
		now := time.Now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		executed, err := m.auditStore.CountSince(ctx, tenantID, audit.TypeActionExecuted, dayStart)
		if err != nil {
			return err
		}
		if executed >= t.DailyLimit {
			return ErrDailyActionsExceeded
		}
	}

	return nil
}

// Policy resolves the tenant's policy, loading and caching its policy file.
// Unknown tenants and tenants without a policy path get the default policy;
// a policy file that fails to load falls back to the default with a logged
// error rather than failing the request.
func (m *Manager) Policy(ctx context.Context, tenantID string) *policy.TenantPolicy {
	m.mu.RLock()
	t, ok := m.tenants[tenantID]
	if ok && t.PolicyPath != "" {
		if pol, cached := m.policies[t.PolicyPath]; cached {
			m.mu.RUnlock()
			return pol
		}
	}
	m.mu.RUnlock()

	if !ok || t.PolicyPath == "" {
		return policy.Default()
	}

	pol, err := policy.Load(ctx, t.PolicyPath, m.policyDir)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("policy_path", t.PolicyPath).
			Msg("tenant_policy_load_failed_using_default")
		pol = policy.Default()
	}

	m.mu.Lock()
	m.policies[t.PolicyPath] = pol
	m.mu.Unlock()
	return pol
}

// InvalidatePolicies drops the policy cache so edited policy files are
// re-read on the next request.
func (m *Manager) InvalidatePolicies() {
	m.mu.Lock()
	m.policies = make(map[string]*policy.TenantPolicy)
	m.mu.Unlock()
}

func (m *Manager) limiter(tenantID string) *rate.Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[tenantID]
}
