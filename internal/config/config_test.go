package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
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

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPlannerModel, cfg.PlannerModel)
	assert.Equal(t, DefaultLLMAttempts, cfg.LLMMaxAttempts)
	assert.True(t, cfg.IndustryLookups)
	assert.True(t, cfg.UsingDefaultKeys(), "derived keys should be flagged")
	assert.NotEmpty(t, cfg.SigningKey)
	assert.NotEqual(t, cfg.SigningKey, cfg.VaultKey, "salts must produce distinct keys")
}

func TestLoad_ExplicitKeysNotFlagged(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySigningKey, "0123456789abcdef0123456789abcdef") // 32 raw bytes
	viper.Set(KeyVaultKey, "fedcba9876543210fedcba9876543210")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.UsingDefaultKeys())
}

func TestLoad_RejectsShortKey(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySigningKey, "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")
}

func TestLoad_RejectsZeroAttempts(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeyLLMMaxAttempts, 0)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm_max_attempts")
}

func TestDBPaths(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	viper.Set(KeyDataDir, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Contains(t, cfg.ProceduresDBPath(), dir)
	assert.Contains(t, cfg.ApprovalsDBPath(), "approvals.db")
	assert.Contains(t, cfg.AuditDBPath(), "audit.db")
	assert.Contains(t, cfg.VaultDBPath(), "vault.db")
}
