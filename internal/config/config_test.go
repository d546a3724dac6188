package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Default ---

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(1<<20), cfg.Router.SimpleOperationThreshold)
	assert.Equal(t, 100, cfg.Router.BatchThreshold)
	assert.Equal(t, 50, cfg.Router.BatchSize)
	assert.Equal(t, 5, cfg.Worker.MaxInstances)
	assert.Equal(t, PolicyIdle, cfg.Worker.TimeoutPolicy)
	assert.Equal(t, "stdio", cfg.Transport.Mode)
}

// --- Load ---

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editbridge.yaml")
	content := `
router:
  simple_operation_threshold: 2048
worker:
  command: /usr/local/bin/edit
  args: ["--worker", "--quiet"]
  max_instances: 2
  instance_timeout: 30s
  timeout_policy: lifetime
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(2048), cfg.Router.SimpleOperationThreshold)
	assert.Equal(t, "/usr/local/bin/edit", cfg.Worker.Command)
	assert.Equal(t, []string{"--worker", "--quiet"}, cfg.Worker.Args)
	assert.Equal(t, 2, cfg.Worker.MaxInstances)
	assert.Equal(t, 30*time.Second, cfg.Worker.InstanceTimeout)
	assert.Equal(t, PolicyLifetime, cfg.Worker.TimeoutPolicy)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 50, cfg.Router.BatchSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editbridge.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"worker":{"max_instances":3}}`), 0o644))

	t.Setenv("EDITBRIDGE_WORKER_MAX_INSTANCES", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Worker.MaxInstances)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  max_instances: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_instances")
}

// --- Validate ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero threshold", func(c *Config) { c.Router.SimpleOperationThreshold = 0 }, "simple_operation_threshold"},
		{"zero batch size", func(c *Config) { c.Router.BatchSize = 0 }, "batch_size"},
		{"threshold below batch size", func(c *Config) { c.Router.BatchThreshold = 10 }, "batch_threshold"},
		{"negative timeout", func(c *Config) { c.Worker.InstanceTimeout = -time.Second }, "instance_timeout"},
		{"unknown policy", func(c *Config) { c.Worker.TimeoutPolicy = "forever" }, "timeout_policy"},
		{"empty command", func(c *Config) { c.Worker.Command = "  " }, "worker.command"},
		{"unknown transport", func(c *Config) { c.Transport.Mode = "carrier-pigeon" }, "transport.mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
