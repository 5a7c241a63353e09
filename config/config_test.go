package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaycore/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `{
  "platform": {"address": "@relay:example.org"},
  "nats": {"url": "nats://localhost:4222"}
}`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "@relay:example.org", cfg.Platform.Address)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)

	// Defaults are applied
	assert.Equal(t, "nats", cfg.Bridge.Backend)
	assert.Equal(t, "memory", cfg.Bridge.SessionStore)
	assert.Equal(t, "relay.chat.request", cfg.Bridge.ChatSubject)
	assert.Equal(t, 30000, cfg.Bridge.TaskTimeoutMs)
	assert.Equal(t, 5000, cfg.Bridge.RestartDelayMs)
	assert.Equal(t, 1000, cfg.Client.BackoffBaseMs)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
  "platform": {"address": "@relay:example.org"},
  "nats": {"url": "nats://nats.internal:4222", "name": "relaycore"},
  "client": {"socket_url": "wss://platform.example.org/ws", "backoff_base_ms": 500},
  "bridge": {
    "backend": "nats",
    "session_store": "kv",
    "rate_per_second": 2.5,
    "rate_burst": 10
  },
  "gateway": {"port": 8090, "cors_origins": ["https://console.example.org"]},
  "metrics": {"port": 9100}
}`))
	require.NoError(t, err)

	assert.Equal(t, "wss://platform.example.org/ws", cfg.Client.SocketURL)
	assert.Equal(t, 500, cfg.Client.BackoffBaseMs)
	assert.Equal(t, 8090, cfg.Gateway.Port)
	assert.Equal(t, 9100, cfg.Metrics.Port)

	wantBridge := BridgeConfig{
		Backend:        "nats",
		ChatSubject:    "relay.chat.request",
		TaskTimeoutMs:  30000,
		RestartDelayMs: 5000,
		RatePerSecond:  2.5,
		RateBurst:      10,
		SessionStore:   "kv",
		SessionBucket:  "relay_sessions",
	}
	if diff := cmp.Diff(wantBridge, cfg.Bridge); diff != "" {
		t.Errorf("bridge config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing platform",
			content: `{"nats": {"url": "nats://localhost:4222"}}`,
		},
		{
			name:    "missing nats url",
			content: `{"platform": {"address": "@relay:example.org"}, "nats": {}}`,
		},
		{
			name:    "empty address",
			content: `{"platform": {"address": ""}, "nats": {"url": "nats://localhost:4222"}}`,
		},
		{
			name: "unknown backend",
			content: `{
  "platform": {"address": "@relay:example.org"},
  "nats": {"url": "nats://localhost:4222"},
  "bridge": {"backend": "carrier-pigeon"}
}`,
		},
		{
			name: "gateway port out of range",
			content: `{
  "platform": {"address": "@relay:example.org"},
  "nats": {"url": "nats://localhost:4222"},
  "gateway": {"port": 99999}
}`,
		},
		{
			name: "malformed signer seed",
			content: `{
  "platform": {"address": "@relay:example.org", "signer_seed": "nothex"},
  "nats": {"url": "nats://localhost:4222"}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "expected invalid classification, got %v", err)
		})
	}
}

func TestOpenAIBackendRequiresKey(t *testing.T) {
	content := `{
  "platform": {"address": "@relay:example.org"},
  "nats": {"url": "nats://localhost:4222"},
  "bridge": {"backend": "openai"}
}`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	t.Setenv("RELAY_OPENAI_API_KEY", "sk-test")
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Bridge.OpenAIAPIKey)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_NATS_URL", "nats://override:4222")
	t.Setenv("RELAY_GATEWAY_PORT", "8123")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, 8123, cfg.Gateway.Port)
}

func TestDepthLimit(t *testing.T) {
	deep := strings.Repeat(`{"a":`, 20) + `1` + strings.Repeat(`}`, 20)
	content := `{
  "platform": {"address": "@relay:example.org"},
  "nats": {"url": "nats://localhost:4222"},
  "extra": ` + deep + `
}`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
