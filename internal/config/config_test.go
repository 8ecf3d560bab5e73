package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.triggerflow.dev/internal/secrets"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadDirMissingFilesUsesDefaults(t *testing.T) {
	cfg, err := LoadDir(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, 5001, cfg.HTTP.Port)
	assert.Equal(t, "globus", cfg.Queues.Backend)
	assert.Equal(t, 5*time.Second, cfg.Poller.InitialInterval.Duration)
}

func TestLoadDirLayering(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "global.toml", `
[http]
port = 6000

[mongodb]
uri = "mongodb://global:27017"
database = "triggers_global"
`)
	writeConfig(t, dir, "dev.toml", `
[http]
port = 6001

[poller]
initial_interval = "2s"
`)
	writeConfig(t, dir, "dev-local.toml", `
[http]
port = 6002
`)

	cfg, err := LoadDir(dir)
	require.NoError(t, err)

	// Later layers win; untouched keys survive from earlier layers.
	assert.Equal(t, 6002, cfg.HTTP.Port)
	assert.Equal(t, "mongodb://global:27017", cfg.MongoDB.URI)
	assert.Equal(t, "triggers_global", cfg.MongoDB.Database)
	assert.Equal(t, 2*time.Second, cfg.Poller.InitialInterval.Duration)
	// Keys no layer set keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Poller.MaxInterval.Duration)
}

func TestLoadDirEnvironmentSelection(t *testing.T) {
	t.Setenv("TRIGGERFLOW_ENVIRONMENT", "staging")

	dir := t.TempDir()
	writeConfig(t, dir, "staging.toml", `
[mongodb]
database = "triggers_staging"
`)
	writeConfig(t, dir, "dev.toml", `
[mongodb]
database = "triggers_dev"
`)

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "triggers_staging", cfg.MongoDB.Database)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRIGGERFLOW_PORT", "7070")
	t.Setenv("TRIGGERFLOW_QUEUES_BACKEND", "embedded")

	cfg, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "embedded", cfg.Queues.Backend)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Queues.Backend = "kafka"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedPollBounds(t *testing.T) {
	cfg := Default()
	cfg.Poller.MinInterval = Duration{time.Minute}
	require.Error(t, cfg.Validate())
}

func TestValidateLeaderRequiresRedis(t *testing.T) {
	cfg := Default()
	cfg.Leader.Enabled = true
	cfg.Redis.Enabled = false
	require.Error(t, cfg.Validate())

	cfg.Redis.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "s3cret")

	cfg := Default()
	cfg.Auth.ClientSecret = "env://TEST_CLIENT_SECRET"
	cfg.MongoDB.URI = "mongodb://localhost:27017"

	require.NoError(t, cfg.ResolveSecrets(context.Background(), secrets.NewResolver()))
	assert.Equal(t, "s3cret", cfg.Auth.ClientSecret)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoDB.URI)
}

func TestResolveSecretsFailsOnUnresolvable(t *testing.T) {
	cfg := Default()
	cfg.Admin.JWTSecret = "env://TRIGGERFLOW_MISSING_JWT_SECRET"

	err := cfg.ResolveSecrets(context.Background(), secrets.NewResolver())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin.jwt_secret")
}
