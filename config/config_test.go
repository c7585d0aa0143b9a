package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "argus.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "/etc/argus/rules.yml", cfg.Rules.File)
	assert.Equal(t, "/etc/argus/rules/", cfg.Rules.Directory)
	assert.Equal(t, uint32(1), cfg.Engine.LogPriority)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.StateFlushInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.RegexTimeout)
	assert.Equal(t, "/run/argus/research.sock", cfg.Input.SocketPath)
	assert.Zero(t, cfg.Input.RateLimit)
	assert.Equal(t, 1000, cfg.Input.RateBurst)
	assert.Equal(t, time.Second, cfg.Output.RetryInterval)
	assert.Equal(t, 1024, cfg.Storage.DedupCacheSize)
	assert.Equal(t, InterventionSocket, cfg.Intervention.Kind)
	assert.False(t, cfg.Mail.Enabled)
	assert.Equal(t, uint32(4), cfg.Mail.Priority)
	assert.Equal(t, uint32(7), cfg.Mail.InstantPriority)
	assert.Equal(t, 30*time.Second, cfg.Mail.Interval)
	assert.Equal(t, 1000, cfg.Mail.MaxSampleCount)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:9187", cfg.API.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
rules:
  file: /tmp/rules.yml
  directory: ""
engine:
  log_priority: 3
  state_flush_interval: 2s
intervention:
  kind: file
  path: /var/log/argus/interventions.log
mail:
  enabled: true
  from: argus@example.org
  to: [soc@example.org]
  interval: 1m
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/rules.yml", cfg.Rules.File)
	assert.Empty(t, cfg.Rules.Directory)
	assert.Equal(t, uint32(3), cfg.Engine.LogPriority)
	assert.Equal(t, 2*time.Second, cfg.Engine.StateFlushInterval)
	assert.Equal(t, InterventionFile, cfg.Intervention.Kind)
	assert.True(t, cfg.Mail.Enabled)
	assert.Equal(t, []string{"soc@example.org"}, cfg.Mail.To)
	assert.Equal(t, time.Minute, cfg.Mail.Interval)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ARGUS_ENGINE_LOG_PRIORITY", "5")
	t.Setenv("ARGUS_SOCKET", "/tmp/argus.sock")
	t.Setenv("ARGUS_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, uint32(5), cfg.Engine.LogPriority)
	assert.Equal(t, "/tmp/argus.sock", cfg.Input.SocketPath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad intervention kind", "intervention:\n  kind: http\n", "intervention.kind"},
		{"bad log level", "log:\n  level: verbose\n", "log.level"},
		{"zero flush interval", "engine:\n  state_flush_interval: 0s\n", "engine.state_flush_interval"},
		{"bad mail address", "mail:\n  from: not-an-address\n", "mail.from"},
		{"no rule paths", "rules:\n  file: ''\n  directory: ''\n", "cannot both be empty"},
		{"mail without recipients", "mail:\n  enabled: true\n  from: a@example.org\n", "mail.from or mail.to"},
		{"instant below priority", "mail:\n  enabled: true\n  from: a@example.org\n  to: [b@example.org]\n  priority: 5\n  instant_priority: 2\n", "instant_priority"},
		{"redis without target", "redis:\n  enabled: true\n  channel: ''\n", "redis.channel"},
		{"bad listen address", "api:\n  listen: localhost\n", "api.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDump_MasksSecrets(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "redis:\n  password: hunter2\n"))
	require.NoError(t, err)

	out, err := Dump(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.Equal(t, "hunter2", cfg.Redis.Password, "original is untouched")

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Contains(t, back, "engine")
	assert.Contains(t, string(out), "state_flush_interval: 500ms")
}
