// Package config holds operator-level configuration for a Relay installation.
//
// This is infrastructure config set by whoever deploys the orchestration
// engine, not tenant or end-user preference. Tenant-facing policy (override
// modes, risk thresholds, relevance criteria) lives in relay.policy.yaml and
// is loaded per tenant by internal/policy. Tenant LLM credentials live only
// in the encrypted vault (internal/secrets).
//
// Values come from env vars (RELAY_*) or relay.config.yaml, merged by viper.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/relaycrm/relay/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the RELAY_ prefix
// (e.g. "signing_key" → RELAY_SIGNING_KEY) and to a YAML field in
// relay.config.yaml.
const (
	KeyDataDir         = "data_dir"
	KeySigningKey      = "signing_key"
	KeyVaultKey        = "vault_key"
	KeyDefaultPolicy   = "default_policy"
	KeyPlannerModel    = "planner_model"
	KeyValidatorModel  = "validator_model"
	KeyLLMBaseURL      = "llm_base_url"
	KeyLLMMaxAttempts  = "llm_max_attempts"
	KeyApprovalTTLMin  = "approval_ttl_minutes"
	KeyTraceRetention  = "trace_retention_days"
	KeyOpenAIAPIKey    = "openai_api_key"
	KeyIndustryLookups = "industry_filtered_lookups"
)

// Defaults that do not involve crypto material. Crypto keys have no baked-in
// defaults — when unset we derive a per-machine fallback and warn.
const (
	DefaultPolicyFile     = "relay.policy.yaml"
	DefaultPlannerModel   = "gpt-4o"
	DefaultValidatorModel = "gpt-4o-mini"
	DefaultLLMAttempts    = 3
	DefaultApprovalTTLMin = 24 * 60
	DefaultTraceRetention = 90
)

// Config is the resolved, immutable operator configuration snapshot. The
// orchestrator receives it through its constructor; no package reads viper
// at request time.
type Config struct {
	DataDir         string // base directory for all state (~/.relay)
	SigningKey      string // HMAC-SHA256 key for audit records (≥32 bytes)
	VaultKey        string // secretbox key for the credentials vault (32 bytes or 64 hex)
	DefaultPolicy   string // tenant policy filename
	PlannerModel    string // model used for plan synthesis
	ValidatorModel  string // model used for semantic relevance checks
	LLMBaseURL      string // override for the OpenAI-compatible endpoint ("" = default)
	LLMMaxAttempts  int    // bounded retry count for remote model calls
	ApprovalTTLMin  int    // minutes until a pending approval request expires
	TraceRetention  int    // days to keep procedure traces
	OpenAIAPIKey    string // operator fallback key when no tenant key is vaulted
	IndustryLookups bool   // enable industry-filtered procedure lookups

	usingDefaultSigningKey bool
	usingDefaultVaultKey   bool
}

// ProceduresDBPath returns the path to the procedural memory SQLite database.
func (c *Config) ProceduresDBPath() string {
	return filepath.Join(c.DataDir, "procedures.db")
}

// ApprovalsDBPath returns the path to the approvals SQLite database.
func (c *Config) ApprovalsDBPath() string {
	return filepath.Join(c.DataDir, "approvals.db")
}

// AuditDBPath returns the path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// VaultDBPath returns the path to the credentials vault SQLite database.
func (c *Config) VaultDBPath() string {
	return filepath.Join(c.DataDir, "vault.db")
}

// ValidationsDBPath returns the path to the relevance validation audit
// SQLite database.
func (c *Config) ValidationsDBPath() string {
	return filepath.Join(c.DataDir, "validations.db")
}

// ApprovalTTL returns the approval expiry window as a duration.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLMin) * time.Minute
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// UsingDefaultKeys reports whether either crypto key fell back to a derived
// default. Commands warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultVaultKey
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default RELAY_SIGNING_KEY — set via env var or config file for production")
	}
	if c.usingDefaultVaultKey {
		log.Warn().Msg("Using generated default RELAY_VAULT_KEY — set via env var or config file for production")
	}
}

func init() {
	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()
	viper.SetDefault(KeyDefaultPolicy, DefaultPolicyFile)
	viper.SetDefault(KeyPlannerModel, DefaultPlannerModel)
	viper.SetDefault(KeyValidatorModel, DefaultValidatorModel)
	viper.SetDefault(KeyLLMMaxAttempts, DefaultLLMAttempts)
	viper.SetDefault(KeyApprovalTTLMin, DefaultApprovalTTLMin)
	viper.SetDefault(KeyTraceRetention, DefaultTraceRetention)
	viper.SetDefault(KeyIndustryLookups, true)
}

// Load reads configuration from viper (env vars, config file, defaults) and
// returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         resolveDataDir(),
		SigningKey:      viper.GetString(KeySigningKey),
		VaultKey:        viper.GetString(KeyVaultKey),
		DefaultPolicy:   viper.GetString(KeyDefaultPolicy),
		PlannerModel:    viper.GetString(KeyPlannerModel),
		ValidatorModel:  viper.GetString(KeyValidatorModel),
		LLMBaseURL:      viper.GetString(KeyLLMBaseURL),
		LLMMaxAttempts:  viper.GetInt(KeyLLMMaxAttempts),
		ApprovalTTLMin:  viper.GetInt(KeyApprovalTTLMin),
		TraceRetention:  viper.GetInt(KeyTraceRetention),
		OpenAIAPIKey:    viper.GetString(KeyOpenAIAPIKey),
		IndustryLookups: viper.GetBool(KeyIndustryLookups),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.VaultKey == "" {
		cfg.VaultKey = deriveDefaultKey(cfg.DataDir, "vault-encryption")
		cfg.usingDefaultVaultKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Not cryptographically strong — it exists
// so a fresh install works out of the box with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("relay:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateKey("signing_key", c.SigningKey, 32); err != nil {
		return err
	}
	if err := validateKey("vault_key", c.VaultKey, 32); err != nil {
		return err
	}
	if c.LLMMaxAttempts < 1 {
		return fmt.Errorf("llm_max_attempts must be at least 1")
	}
	if c.ApprovalTTLMin <= 0 {
		return fmt.Errorf("approval_ttl_minutes must be positive")
	}
	if c.TraceRetention <= 0 {
		return fmt.Errorf("trace_retention_days must be positive")
	}
	return nil
}

// validateKey accepts either ≥minBytes raw bytes or hex decoding to ≥minBytes.
func validateKey(name, key string, minBytes int) error {
	n := len(key)
	if n >= minBytes*2 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < minBytes {
			return fmt.Errorf("%s hex must decode to at least %d bytes: %w", name, minBytes, err)
		}
		return nil
	}
	if n >= minBytes {
		return nil
	}
	return fmt.Errorf("%s must be at least %d bytes or %d hex characters (got %d)", name, minBytes, minBytes*2, n)
}
