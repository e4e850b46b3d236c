// ABOUTME: Tests for server and agent config loading.
// ABOUTME: Covers env expansion, duration defaults, and validation failures.

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadServer(t *testing.T) {
	t.Setenv("TEST_SHARED_KEY", "super-secret")

	path := writeConfig(t, `
server:
  http_addr: ":9000"
crypto:
  shared_key: ${TEST_SHARED_KEY}
auth:
  jwt_secret: jwt-secret
database:
  path: /tmp/nodeward/history.db
agents:
  heartbeat_timeout: 2m
metrics:
  enabled: true
`)

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "super-secret", cfg.Crypto.SharedKey, "env var must be expanded")
	assert.Equal(t, 2*time.Minute, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, "/metrics", cfg.Metrics.Path, "default metrics path")
}

func TestLoadServerDefaults(t *testing.T) {
	path := writeConfig(t, `
crypto:
  shared_key: k
auth:
  jwt_secret: s
database:
  path: /tmp/h.db
`)

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.HTTPAddr)
	assert.Equal(t, 90*time.Second, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadServerValidation(t *testing.T) {
	cases := map[string]string{
		"missing shared key": `
auth:
  jwt_secret: s
database:
  path: /tmp/h.db
`,
		"missing jwt secret": `
crypto:
  shared_key: k
database:
  path: /tmp/h.db
`,
		"missing database path": `
crypto:
  shared_key: k
auth:
  jwt_secret: s
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadServer(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadAgent(t *testing.T) {
	path := writeConfig(t, `
server_url: wss://control.example.com/ws/agents
crypto:
  shared_key: k
state_dir: /var/lib/nodeward
connection:
  heartbeat_interval: 15s
  retry_base: 2s
  retry_cap: 1m
autonomous:
  critical_score: 35
  check_cooldown: 10m
`)

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Connection.RetryBase)
	assert.Equal(t, time.Minute, cfg.Connection.RetryCap)
	assert.Equal(t, 35, cfg.Autonomous.CriticalScore)
	assert.Equal(t, 60, cfg.Autonomous.DegradedScore, "default degraded score")
	assert.Equal(t, 10, cfg.Autonomous.FailureStreak, "default failure streak")
	assert.Equal(t, 10*time.Minute, cfg.Autonomous.CheckCooldown)
}

func TestLoadAgentDefaults(t *testing.T) {
	path := writeConfig(t, `
server_url: ws://localhost:8090/ws/agents
crypto:
  shared_key: k
state_dir: /tmp/agent
`)

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Connection.RetryBase)
	assert.Equal(t, 120*time.Second, cfg.Connection.RetryCap)
	assert.Equal(t, 300*time.Second, cfg.Autonomous.CheckCooldown)
}

func TestLoadAgentBadDuration(t *testing.T) {
	path := writeConfig(t, `
server_url: ws://localhost:8090/ws/agents
crypto:
  shared_key: k
state_dir: /tmp/agent
connection:
  retry_base: "soon"
`)

	_, err := LoadAgent(path)
	assert.Error(t, err)
}
