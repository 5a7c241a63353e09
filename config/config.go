// Package config loads and validates the RelayCore process configuration
// from a JSON file with environment overrides for deployment secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/relaycore/errors"
	"github.com/c360/relaycore/gateway"
)

const (
	maxConfigSize  = 1 << 20
	maxConfigDepth = 10
)

// Config is the full process configuration
type Config struct {
	Platform PlatformConfig `json:"platform"`
	NATS     NATSConfig     `json:"nats"`
	Client   ClientConfig   `json:"client"`
	Bridge   BridgeConfig   `json:"bridge"`
	Gateway  gateway.Config `json:"gateway"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// PlatformConfig identifies this process on the messaging network
type PlatformConfig struct {
	Address    string `json:"address"`
	SignerSeed string `json:"signer_seed,omitempty"` // hex, 32 bytes
}

// NATSConfig holds the bus connection settings
type NATSConfig struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// ClientConfig holds the socket client settings
type ClientConfig struct {
	SocketURL            string `json:"socket_url,omitempty"`
	CallTimeoutMs        int    `json:"call_timeout_ms,omitempty"`
	BackoffBaseMs        int    `json:"backoff_base_ms,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
}

// BridgeConfig holds the conversational bridge settings
type BridgeConfig struct {
	Backend        string  `json:"backend"` // "nats" or "openai"
	ChatSubject    string  `json:"chat_subject,omitempty"`
	TaskTimeoutMs  int     `json:"task_timeout_ms,omitempty"`
	RestartDelayMs int     `json:"restart_delay_ms,omitempty"`
	RatePerSecond  float64 `json:"rate_per_second,omitempty"`
	RateBurst      int     `json:"rate_burst,omitempty"`
	SessionStore   string  `json:"session_store,omitempty"` // "memory" or "kv"
	SessionBucket  string  `json:"session_bucket,omitempty"`
	SessionTTLSecs int     `json:"session_ttl_seconds,omitempty"` // 0 means no expiry

	OpenAIAPIKey string `json:"openai_api_key,omitempty"`
	OpenAIModel  string `json:"openai_model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// Load reads, validates, and defaults the configuration at path
func Load(path string) (*Config, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateDepth(data); err != nil {
		return nil, err
	}
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse config")
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// safeReadFile reads a config file with a size cap and a cleaned path
func safeReadFile(path string) ([]byte, error) {
	cleaned := filepath.Clean(path)

	info, err := os.Stat(cleaned)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "stat config file")
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("config file %d bytes exceeds %d byte limit", info.Size(), maxConfigSize),
			"Config", "Load", "check config size")
	}

	data, err := os.ReadFile(cleaned)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
	}
	return data, nil
}

// validateDepth rejects pathologically nested JSON before full parsing
func validateDepth(data []byte) error {
	depth := 0
	maxSeen := 0
	inString := false
	escaped := false

	for _, b := range data {
		if escaped {
			escaped = false
			continue
		}
		switch b {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
				if depth > maxSeen {
					maxSeen = depth
				}
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}

	if maxSeen > maxConfigDepth {
		return errors.WrapInvalid(
			fmt.Errorf("config nesting depth %d exceeds %d", maxSeen, maxConfigDepth),
			"Config", "Load", "validate structure")
	}
	return nil
}

const configSchema = `{
  "type": "object",
  "required": ["platform", "nats"],
  "properties": {
    "platform": {
      "type": "object",
      "required": ["address"],
      "properties": {
        "address": {"type": "string", "minLength": 1},
        "signer_seed": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
      }
    },
    "nats": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "url": {"type": "string", "minLength": 1},
        "name": {"type": "string"}
      }
    },
    "client": {
      "type": "object",
      "properties": {
        "socket_url": {"type": "string"},
        "call_timeout_ms": {"type": "integer", "minimum": 1},
        "backoff_base_ms": {"type": "integer", "minimum": 1},
        "max_reconnect_attempts": {"type": "integer", "minimum": 1}
      }
    },
    "bridge": {
      "type": "object",
      "properties": {
        "backend": {"type": "string", "enum": ["nats", "openai"]},
        "chat_subject": {"type": "string"},
        "task_timeout_ms": {"type": "integer", "minimum": 1},
        "restart_delay_ms": {"type": "integer", "minimum": 1},
        "rate_per_second": {"type": "number", "minimum": 0.001},
        "rate_burst": {"type": "integer", "minimum": 1},
        "session_store": {"type": "string", "enum": ["memory", "kv"]},
        "session_bucket": {"type": "string"},
        "session_ttl_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "cors_origins": {"type": "array", "items": {"type": "string"}}
      }
    },
    "metrics": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "path": {"type": "string"}
      }
    }
  }
}`

// validateSchema checks the raw document against the config schema
func validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Load", "run schema validation")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return errors.WrapInvalid(
			fmt.Errorf("%s", strings.Join(msgs, "; ")),
			"Config", "Load", "validate against schema")
	}
	return nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints without
// writing them into the config file
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAY_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("RELAY_PLATFORM_ADDRESS"); v != "" {
		c.Platform.Address = v
	}
	if v := os.Getenv("RELAY_SIGNER_SEED"); v != "" {
		c.Platform.SignerSeed = v
	}
	if v := os.Getenv("RELAY_OPENAI_API_KEY"); v != "" {
		c.Bridge.OpenAIAPIKey = v
	}
	if v := os.Getenv("RELAY_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("RELAY_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
}

// Validate applies defaults and rejects inconsistent settings
func (c *Config) Validate() error {
	if c.Platform.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "platform.address is required")
	}
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "nats.url is required")
	}

	if c.Bridge.Backend == "" {
		c.Bridge.Backend = "nats"
	}
	if c.Bridge.Backend == "openai" && c.Bridge.OpenAIAPIKey == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "openai backend requires an API key")
	}
	if c.Bridge.SessionStore == "" {
		c.Bridge.SessionStore = "memory"
	}
	if c.Bridge.SessionBucket == "" {
		c.Bridge.SessionBucket = "relay_sessions"
	}
	if c.Bridge.ChatSubject == "" {
		c.Bridge.ChatSubject = "relay.chat.request"
	}
	if c.Bridge.TaskTimeoutMs == 0 {
		c.Bridge.TaskTimeoutMs = 30000
	}
	if c.Bridge.RestartDelayMs == 0 {
		c.Bridge.RestartDelayMs = 5000
	}
	if c.Bridge.RatePerSecond == 0 {
		c.Bridge.RatePerSecond = 1
	}
	if c.Bridge.RateBurst == 0 {
		c.Bridge.RateBurst = 5
	}

	if c.Client.CallTimeoutMs == 0 {
		c.Client.CallTimeoutMs = 30000
	}
	if c.Client.BackoffBaseMs == 0 {
		c.Client.BackoffBaseMs = 1000
	}
	if c.Client.MaxReconnectAttempts == 0 {
		c.Client.MaxReconnectAttempts = 5
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	return c.Gateway.Validate()
}
