package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: text
database:
  path: /var/lib/toolmesh/toolmesh.db
engine:
  default_timeout: 45s
  max_concurrent: 8
  history_size: 512
breaker:
  failure_threshold: 5
  base_cooldown: 1m
  max_cooldown: 30m
limiter:
  capacity: 20
  refill_rate: 2.5
retry:
  max_attempts: 4
  base_delay: 250ms
  max_delay: 5s
  jitter: 0.5
scheduler:
  tick_interval: 500ms
  grace_window: 2m
  dispatch_timeout: 10m
admin:
  enabled: true
  listen: ":9090"
playbook:
  path: playbook.toml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/toolmesh/toolmesh.db", cfg.Database.Path)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultTimeout)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.BaseCooldown)
	assert.Equal(t, 30*time.Minute, cfg.Breaker.MaxCooldown)
	assert.Equal(t, 2.5, cfg.Limiter.RefillRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 0.5, cfg.Retry.Jitter)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, ":9090", cfg.Admin.Listen)
	assert.Equal(t, "playbook.toml", cfg.Playbook.Path)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
database:
  path: only.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "only.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.BaseCooldown)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TOOLMESH_DB", "/tmp/expanded.db")
	t.Setenv("TOOLMESH_ADMIN_PORT", "7001")

	path := writeConfig(t, `
database:
  path: ${TOOLMESH_DB}
admin:
  enabled: true
  listen: ":${TOOLMESH_ADMIN_PORT}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.db", cfg.Database.Path)
	assert.Equal(t, ":7001", cfg.Admin.Listen)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: x.db
breaker:
  base_cooldown: "soon"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "base_cooldown")
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"cooldown inversion", func(c *Config) { c.Breaker.MaxCooldown = c.Breaker.BaseCooldown / 2 }},
		{"negative capacity", func(c *Config) { c.Limiter.Capacity = -1 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.5 }},
		{"zero tick", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"admin without listen", func(c *Config) { c.Admin.Listen = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
