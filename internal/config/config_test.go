package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scratchpad/internal/notebook"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1024, cfg.MaxScratchpads)
	assert.Equal(t, 1024, cfg.MaxCellsPerPad)
	assert.Equal(t, 5*1024*1024, cfg.MaxCellBytes)
	assert.Equal(t, PolicyDiscard, cfg.EvictionPolicy)
	assert.Equal(t, "127.0.0.1", cfg.HTTPHost)
	assert.Equal(t, 8765, cfg.HTTPPort)
	assert.True(t, cfg.EnableStdio)
	assert.False(t, cfg.EnableHTTP)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.PreemptAgeDuration())
	assert.Equal(t, 10*time.Minute, cfg.PreemptIntervalDuration())
	assert.Equal(t, 10*time.Second, cfg.ValidationTimeout())
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeoutDuration())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		value string
		unit  time.Duration
		want  time.Duration
		fails bool
	}{
		{value: "30s", unit: time.Hour, want: 30 * time.Second},
		{value: "10m", unit: time.Hour, want: 10 * time.Minute},
		{value: "24h", unit: time.Second, want: 24 * time.Hour},
		{value: "24", unit: time.Hour, want: 24 * time.Hour},
		{value: "5", unit: time.Second, want: 5 * time.Second},
		{value: "", unit: time.Second, fails: true},
		{value: "abc", unit: time.Second, fails: true},
		{value: "10d", unit: time.Second, fails: true},
		{value: "-5s", unit: time.Second, fails: true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseDuration(tt.value, tt.unit)
			if tt.fails {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad policy", func(c *Config) { c.EvictionPolicy = "lru" }},
		{"metrics without http", func(c *Config) { c.EnableMetrics = true }},
		{"sse without http", func(c *Config) { c.EnableSSE = true }},
		{"path collision", func(c *Config) {
			c.EnableHTTP = true
			c.EnableSSE = true
			c.SSEPath = c.HTTPPath
		}},
		{"negative limit", func(c *Config) { c.MaxScratchpads = -1 }},
		{"bad duration", func(c *Config) { c.PreemptAge = "soon" }},
		{"auth without tokens", func(c *Config) { c.EnableAuth = true }},
		{"malformed principal", func(c *Config) { c.AuthTokens = []string{"no-colon"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, notebook.CodeConfigError, notebook.AsDomain(err).Code)
		})
	}
}

func TestPrincipalsPreserveOrder(t *testing.T) {
	cfg := Default()
	cfg.AuthTokens = []string{"alice:tok-a", "bob:tok-b"}
	principals, err := cfg.Principals()
	require.NoError(t, err)
	require.Len(t, principals, 2)
	assert.Equal(t, Principal{Name: "alice", Token: "tok-a"}, principals[0])
	assert.Equal(t, Principal{Name: "bob", Token: "tok-b"}, principals[1])
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_dir: /tmp/pads
max_scratchpads: 5
eviction_policy: fail
enable_http: true
http_port: 9000
`), 0644))

	t.Setenv(EnvPrefix+"MAX_SCRATCHPADS", "7")
	t.Setenv(EnvPrefix+"EVICTION_POLICY", "preempt")
	t.Setenv(EnvPrefix+"ENABLE_AUTH", "true")
	t.Setenv(EnvPrefix+"AUTH_TOKENS", "alice:tok-a, bob:tok-b")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pads", cfg.StorageDir)
	assert.Equal(t, 7, cfg.MaxScratchpads, "env overrides YAML")
	assert.Equal(t, PolicyPreempt, cfg.EvictionPolicy)
	assert.True(t, cfg.EnableHTTP)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, []string{"alice:tok-a", "bob:tok-b"}, cfg.AuthTokens)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, notebook.CodeConfigError, notebook.AsDomain(err).Code)
}
