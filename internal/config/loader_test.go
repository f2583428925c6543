package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.True(t, cfg.DLP.Enabled)
	assert.Equal(t, 60, cfg.RateLimit.Limit)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window.Duration())
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, "tenant_id", cfg.Retrieval.TenantField)
	assert.Equal(t, 2048, cfg.Prompt.MaxInputTokens)
	assert.Equal(t, 256, cfg.Generator.MaxOutputTokens)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL.Duration())
	assert.True(t, cfg.Cache.SingleFlight)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
ratelimit:
  limit: 5
  burst: 2
  window: 10s
retrieval:
  tenant_field: metadata.info_personal.id_cliente
dlp:
  enabled: false
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, 2, cfg.RateLimit.Burst)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window.Duration())
	assert.Equal(t, "metadata.info_personal.id_cliente", cfg.Retrieval.TenantField)
	assert.False(t, cfg.DLP.Enabled)
	// untouched sections keep defaults
	assert.Equal(t, 5, cfg.Retrieval.TopK)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "ratelimit:\n  limit: 5\n", 0600)
	t.Setenv("CORTEXD_RATELIMIT_LIMIT", "42")
	t.Setenv("CORTEXD_GENERATOR_API_KEY", "hf_secret_value")
	t.Setenv("CORTEXD_CACHE_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.RateLimit.Limit)
	assert.Equal(t, "hf_secret_value", cfg.Generator.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Generator.APIKey.String())
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL.Duration())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RateLimit.Limit)
}

func TestLoad_RejectsWorldWritableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "ratelimit:\n  limit: 5\n", 0666)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero limit", "ratelimit:\n  limit: 0\n", "ratelimit.limit"},
		{"negative burst", "ratelimit:\n  burst: -1\n", "ratelimit.burst"},
		{"unknown cache backend", "cache:\n  backend: memcached\n", "cache.backend"},
		{"badger without path", "cache:\n  backend: badger\n", "cache.badger_path"},
		{"empty tenant field", "retrieval:\n  tenant_field: \"\"\n", "retrieval.tenant_field"},
		{"zero top_k", "retrieval:\n  top_k: 0\n", "retrieval.top_k"},
		{"redis without addr", "ratelimit:\n  backend: redis\n", "redis.addr"},
		{"nats without url", "audit:\n  sink: nats\n  nats_url: \"\"\n", "audit.nats_url"},
		{"bad duration", "cache:\n  ttl: soon\n", "invalid duration"},
		{"confidential with fake", "generator:\n  confidential_retrieval_only: true\n", "generator.confidential_retrieval_only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml, 0600))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "ratelimit.limit", envKey("CORTEXD_RATELIMIT_LIMIT"))
	assert.Equal(t, "retrieval.tenant_field", envKey("CORTEXD_RETRIEVAL_TENANT_FIELD"))
	assert.Equal(t, "debug", envKey("CORTEXD_DEBUG"))
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "config.Secret([REDACTED])", s.GoString())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}
