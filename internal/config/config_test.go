package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cr3t")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.ObjectStore.Backend)
	assert.Equal(t, 3, cfg.Verification.MaxCrops)
	assert.Equal(t, 2, cfg.Verification.MinConsensus)
	assert.Equal(t, "mobilefacenet", cfg.Verification.CascadeModel)
	assert.Equal(t, 0.75, cfg.Verification.CascadeThreshold)
	assert.Equal(t, 0.12, cfg.Verification.AmbiguityGap)
	assert.Equal(t, 60*time.Second, cfg.Verification.TaskDeadline())
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
auth:
  secret: from-yaml
models:
  - name: mobilefacenet
    enabled: true
    threshold: 0.7
    adapter: static
    dim: 128
`), 0o600))

	t.Setenv("PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port, "env beats yaml")
	assert.Equal(t, "from-yaml", cfg.Auth.Secret)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "static", cfg.Models[0].Adapter)
	assert.Equal(t, 128, cfg.Models[0].Dim)
}

func TestCacheTTLKeepsMargin(t *testing.T) {
	c := ObjectStoreConfig{SignTTLMinutes: 60, CacheMarginMinutes: 5}
	assert.Equal(t, 55*time.Minute, c.CacheTTL())
	assert.Less(t, c.CacheTTL(), c.SignTTL())
}

func TestCacheTTLDegenerateMargin(t *testing.T) {
	c := ObjectStoreConfig{SignTTLMinutes: 10, CacheMarginMinutes: 10}
	assert.Equal(t, 5*time.Minute, c.CacheTTL())
}
