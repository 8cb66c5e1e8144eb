package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/relay/internal/policy"
	"github.com/relaycrm/relay/internal/relevance"
)

func TestParseAPIKeys(t *testing.T) {
	assert.Empty(t, parseAPIKeys(""))

	m := parseAPIKeys("key1:acme, key2:globex ,bare")
	assert.Equal(t, "acme", m["key1"])
	assert.Equal(t, "globex", m["key2"])
	assert.Equal(t, "default", m["bare"])
}

func TestSplitKeyValue(t *testing.T) {
	k, v, ok := splitKeyValue("topic=renewal")
	require.True(t, ok)
	assert.Equal(t, "topic", k)
	assert.Equal(t, "renewal", v)

	_, _, ok = splitKeyValue("no-separator")
	assert.False(t, ok)
	_, _, ok = splitKeyValue("=value")
	assert.False(t, ok)

	k, v, ok = splitKeyValue("note=a=b")
	require.True(t, ok)
	assert.Equal(t, "note", k)
	assert.Equal(t, "a=b", v)
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "(unset)", redactKey(""))
	assert.Equal(t, "****", redactKey("short"))
	assert.Equal(t, "0123...cdef", redactKey("0123456789abcdef"))
}

func TestLoadTenants(t *testing.T) {
	viper.Set("tenants", []map[string]interface{}{
		{"id": "acme", "display_name": "Acme", "rate_limit": 5, "daily_limit": 100},
	})
	t.Cleanup(func() { viper.Set("tenants", nil) })

	tenants, err := loadTenants()
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "acme", tenants[0].ID)
	assert.Equal(t, 5, tenants[0].RateLimit)
	assert.Equal(t, 100, tenants[0].DailyLimit)
}

func TestSamplePolicy_LoadsAndCompiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	ctx := context.Background()
	pol, err := policy.Load(ctx, "relay.policy.yaml", dir)
	require.NoError(t, err)

	_, err = policy.NewEngine(ctx, pol)
	require.NoError(t, err)
	_, err = relevance.NewCriteriaEngine(pol.Relevance.Criteria)
	require.NoError(t, err)

	assert.Equal(t, "high", pol.Risk.MaxRiskBand)
	assert.True(t, pol.Channels.QuietHours.Enabled)
	require.Len(t, pol.Relevance.Criteria, 1)
}
