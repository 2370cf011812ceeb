package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndParsesServers(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 9090
servers:
  filesystem:
    stdio:
      command: npx
      args: ["-y", "@modelcontextprotocol/server-filesystem"]
    restart:
      on_failure: true
      max_restarts: 3
      delay_ms: 500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Proxy.Port)
	assert.Equal(t, 16, cfg.Proxy.ConnectionPoolSize, "default should apply when unset")
	assert.Equal(t, 120, cfg.Proxy.CacheTTLSeconds)

	srv, ok := cfg.Servers["filesystem"]
	require.True(t, ok)
	assert.Equal(t, "npx", srv.Stdio.Command)
	assert.Equal(t, 3, srv.Restart.MaxRestarts)
}

func TestLoad_RejectsMissingServers(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 8080
servers: {}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsServerWithoutCommand(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 8080
servers:
  broken:
    stdio: {}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 0
servers:
  a:
    stdio:
      command: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_ToBackendHealthCheck_PerServerOverride(t *testing.T) {
	c := &Config{
		HealthCheck: HealthCheckConfig{Enabled: true, IntervalS: 30},
	}
	s := ServerConfig{HealthCheck: &HealthCheckConfig{Enabled: false, IntervalS: 60}}

	hc := c.ToBackendHealthCheck(s)
	assert.False(t, hc.Enabled)
	assert.Equal(t, 60, hc.IntervalS)

	hcDefault := c.ToBackendHealthCheck(ServerConfig{})
	assert.True(t, hcDefault.Enabled)
	assert.Equal(t, 30, hcDefault.IntervalS)
}
