package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sortflow-data", cfg.Scheduler.Dir)
	assert.Equal(t, 1024, cfg.Scheduler.RAMMB)
	assert.Equal(t, "", cfg.Storage.Backend)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sortflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  dir: /var/lib/sortflow
  cpus: 3
  ram_mb: 512
logging:
  format: json
storage:
  backend: local
  local_dir: /srv/artifacts
`), 0644))

	t.Setenv("SORTFLOW_CPUS", "8")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sortflow", cfg.Scheduler.Dir)
	assert.Equal(t, 8, cfg.Scheduler.CPUs)
	assert.Equal(t, 512, cfg.Scheduler.RAMMB)
	assert.Equal(t, 4, cfg.Scheduler.Partitions)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/srv/artifacts", cfg.Storage.LocalDir)
}

func TestBadEnvIntIsIgnored(t *testing.T) {
	t.Setenv("SORTFLOW_RAM_MB", "lots")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Scheduler.RAMMB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no dir", func(c *Config) { c.Scheduler.Dir = "" }},
		{"no cpus", func(c *Config) { c.Scheduler.CPUs = 0 }},
		{"no ram", func(c *Config) { c.Scheduler.RAMMB = 0 }},
		{"no partitions", func(c *Config) { c.Scheduler.Partitions = 0 }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "ftp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
