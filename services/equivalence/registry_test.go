package equivalence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-fallback-gateway/services"
)

func testTable() Table {
	return Table{
		Tiers: []Tier{
			{
				Name:     "general",
				Backends: []BackendKey{"openai/gpt-4o", "anthropic/claude-sonnet-4", "google/gemini-2.5-pro"},
			},
			{
				Name:         "long-context",
				Backends:     []BackendKey{"google/gemini-long", "anthropic/claude-long"},
				Capabilities: []string{CapabilityLongContext},
			},
		},
	}
}

func TestParseBackendKey(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		wantProvider string
		wantModel    string
		wantErr      bool
	}{
		{"valid key", "openai/gpt-4o", "openai", "gpt-4o", false},
		{"valid key with dots", "anthropic/claude-3.5-sonnet", "anthropic", "claude-3.5-sonnet", false},
		{"no separator", "gpt-4o", "", "", true},
		{"empty provider", "/gpt-4o", "", "", true},
		{"empty model", "openai/", "", "", true},
		{"two separators", "openai/gpt/4o", "", "", true},
		{"empty string", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, model, err := ParseBackendKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, services.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, provider)
			assert.Equal(t, tt.wantModel, model)
		})
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, NewBackendKey("openai", "gpt-4o"), key)

	_, err = ParseKey("gpt-4o")
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestBackendKey_Parts(t *testing.T) {
	key := NewBackendKey("openai", "gpt-4o")
	assert.Equal(t, BackendKey("openai/gpt-4o"), key)
	assert.Equal(t, "openai", key.Provider())
	assert.Equal(t, "gpt-4o", key.Model())

	malformed := BackendKey("no-separator")
	assert.Equal(t, "", malformed.Provider())
	assert.Equal(t, "", malformed.Model())
}

func TestNewRegistry_RejectsAmbiguousTier(t *testing.T) {
	table := testTable()
	table.Tiers[1].Backends = append(table.Tiers[1].Backends, "openai/gpt-4o")

	_, err := NewRegistry(table)
	require.Error(t, err)
	assert.True(t, services.IsConfigError(err))
}

func TestNewRegistry_RejectsMalformedBackend(t *testing.T) {
	table := testTable()
	table.Tiers[0].Backends[0] = "not-a-key"

	_, err := NewRegistry(table)
	require.Error(t, err)
}

func TestRegistry_ResolveTier(t *testing.T) {
	registry, err := NewRegistry(testTable())
	require.NoError(t, err)

	t.Run("registered backend", func(t *testing.T) {
		tier, ok := registry.ResolveTier("anthropic/claude-sonnet-4")
		require.True(t, ok)
		assert.Equal(t, "general", tier.Name)
	})

	t.Run("unregistered backend", func(t *testing.T) {
		tier, ok := registry.ResolveTier("mistral/mistral-large")
		assert.False(t, ok)
		assert.Nil(t, tier)
	})
}

func TestRegistry_PeersOf(t *testing.T) {
	registry, err := NewRegistry(testTable())
	require.NoError(t, err)

	t.Run("preference order preserved", func(t *testing.T) {
		peers := registry.PeersOf("openai/gpt-4o", nil)
		assert.Equal(t, []BackendKey{"anthropic/claude-sonnet-4", "google/gemini-2.5-pro"}, peers)
	})

	t.Run("excludes attempted backends", func(t *testing.T) {
		excluding := map[BackendKey]struct{}{
			"anthropic/claude-sonnet-4": {},
		}
		peers := registry.PeersOf("openai/gpt-4o", excluding)
		assert.Equal(t, []BackendKey{"google/gemini-2.5-pro"}, peers)
	})

	t.Run("never includes the backend itself", func(t *testing.T) {
		peers := registry.PeersOf("google/gemini-2.5-pro", nil)
		assert.NotContains(t, peers, BackendKey("google/gemini-2.5-pro"))
	})

	t.Run("unregistered backend has no peers", func(t *testing.T) {
		peers := registry.PeersOf("mistral/mistral-large", nil)
		assert.Empty(t, peers)
	})
}

func TestRegistry_ReloadAndReset(t *testing.T) {
	registry, err := NewRegistry(testTable())
	require.NoError(t, err)

	replacement := Table{
		Tiers: []Tier{
			{Name: "only", Backends: []BackendKey{"mistral/mistral-large", "mistral/mistral-small"}},
		},
	}
	require.NoError(t, registry.Reload(replacement))

	_, ok := registry.ResolveTier("openai/gpt-4o")
	assert.False(t, ok, "old table should be fully replaced")
	_, ok = registry.ResolveTier("mistral/mistral-large")
	assert.True(t, ok)

	registry.Reset()
	_, ok = registry.ResolveTier("openai/gpt-4o")
	assert.True(t, ok, "reset should restore the construction-time table")
}

func TestRegistry_ReloadInvalidTableKeepsCurrent(t *testing.T) {
	registry, err := NewRegistry(testTable())
	require.NoError(t, err)

	bad := Table{
		Tiers: []Tier{
			{Name: "a", Backends: []BackendKey{"x/y"}},
			{Name: "b", Backends: []BackendKey{"x/y"}},
		},
	}
	require.Error(t, registry.Reload(bad))

	_, ok := registry.ResolveTier("openai/gpt-4o")
	assert.True(t, ok, "failed reload must not disturb the current table")
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	content := `tiers:
  - name: general
    backends:
      - openai/gpt-4o
      - anthropic/claude-sonnet-4
    capabilities:
      - reasoning
  - name: long
    backends:
      - google/gemini-long
    capabilities:
      - long-context
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Tiers, 2)
	assert.Equal(t, "general", table.Tiers[0].Name)
	assert.True(t, table.Tiers[1].HasCapability(CapabilityLongContext))

	_, err = LoadTable(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultTable_IsValid(t *testing.T) {
	_, err := NewRegistry(DefaultTable())
	assert.NoError(t, err)
}
