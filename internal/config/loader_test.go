package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8900", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "chromem", cfg.Store.Index)
	assert.Equal(t, 10, cfg.Bank.SearchLimit)
	assert.InDelta(t, 0.3, float64(cfg.Bank.MinSimilarity), 1e-6)
	assert.InDelta(t, 0.8, cfg.Spike.Threshold, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.Spike.HalfLife)
	assert.Equal(t, "patternbank.feedback", cfg.Feedbus.Subject)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9100"
logging:
  level: debug
  format: console
store:
  index: qdrant
  qdrant:
    host: qdrant.internal
    vector_size: 768
spike:
  threshold: 0.9
  half_life: 45m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "qdrant", cfg.Store.Index)
	assert.Equal(t, "qdrant.internal", cfg.Store.Qdrant.Host)
	assert.Equal(t, 768, cfg.Store.Qdrant.VectorSize)
	assert.InDelta(t, 0.9, cfg.Spike.Threshold, 1e-9)
	assert.Equal(t, 45*time.Minute, cfg.Spike.HalfLife)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9100"
`)
	t.Setenv("PATTERNBANK_SERVER__ADDR", ":9200")
	t.Setenv("PATTERNBANK_STORE__QDRANT__HOST", "qdrant.prod")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.Server.Addr)
	assert.Equal(t, "qdrant.prod", cfg.Store.Qdrant.Host)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: ':1'\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "insecure config file permissions")
}

func TestLoadRejectsUnknownIndexBackend(t *testing.T) {
	path := writeConfigFile(t, `
store:
  index: pinecone
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown vector index backend")
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: shouting
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid log level")
}
