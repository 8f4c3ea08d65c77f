package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StorageDynamoDB, cfg.Storage)
	assert.Equal(t, "plantbid-events", cfg.Tables.Events)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plantbid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  storage: memory
aws:
  tables:
    bids: file-bids
gateway:
  base_url: https://gateway.example
  timeout: 3s
payments:
  max_retries: 5
  reconcile_interval: 30s
`), 0o600))

	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("RECONCILE_INTERVAL", "10s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, "file-bids", cfg.Tables.Bids)
	assert.Equal(t, "https://gateway.example", cfg.GatewayBaseURL)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.ReconcileInterval)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("GATEWAY_TIMEOUT", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	// dynamodb mode needs gateway credentials
	assert.Error(t, cfg.Validate())

	cfg.GatewayBaseURL = "https://gateway.example"
	cfg.GatewaySecretKey = "sk"
	cfg.GatewayWebhookSecret = "whsec"
	assert.NoError(t, cfg.Validate())

	mem := Config{Storage: StorageMemory, ConflictRetries: 1, ReconcileInterval: time.Second}
	assert.NoError(t, mem.Validate())

	mem.Storage = "postgres"
	assert.Error(t, mem.Validate())
}
