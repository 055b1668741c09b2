// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Storage       StorageConfig       `yaml:"storage"`
	MCP           MCPConfig           `yaml:"mcp"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Events        EventsConfig        `yaml:"events"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ListenConfig configures how the daemon listens for connections.
type ListenConfig struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// StorageConfig configures the SQLite backend.
type StorageConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging.
	WAL bool `yaml:"wal"`
}

// MCPConfig configures the protocol-facing surface.
type MCPConfig struct {
	// BaseURL is the public endpoint connection URLs are derived from.
	BaseURL string `yaml:"base_url"`

	// TokenSecret signs connection tokens. Empty disables tokens.
	TokenSecret string `yaml:"token_secret"`

	// TokenTTL bounds connection token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// SweepConfig configures the connection liveness sweep.
type SweepConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration `yaml:"interval"`

	// TTL is how long a connection may go without a heartbeat before the
	// sweep closes it.
	TTL time.Duration `yaml:"ttl"`
}

// EventsConfig configures the session event stream.
type EventsConfig struct {
	// Buffer is the append buffer size. Events beyond it are dropped.
	Buffer int `yaml:"buffer"`
}

// RateLimitConfig configures per-client API rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on.
	Enabled bool `yaml:"enabled"`

	// RPS is the sustained requests-per-second allowance.
	RPS float64 `yaml:"rps"`

	// Burst is the short-term burst allowance.
	Burst int `yaml:"burst"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter selects the span exporter: stdout, otlp-http, or otlp-grpc.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `yaml:"insecure"`

	// SampleRate is the trace sampling ratio in [0, 1].
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: "127.0.0.1:7420",
		},
		Storage: StorageConfig{
			Path: defaultDBPath(),
			WAL:  true,
		},
		MCP: MCPConfig{
			BaseURL:  "http://127.0.0.1:7420",
			TokenTTL: time.Hour,
		},
		Sweep: SweepConfig{
			Interval: 30 * time.Second,
			TTL:      90 * time.Second,
		},
		Events: EventsConfig{
			Buffer: 1024,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     50,
			Burst:   100,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

// Load reads configuration from path, falling back to the default location
// when path is empty. A missing file is not an error; defaults apply.
// Environment variables override file values last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = defaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.Listen.Addr = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("RELAY_BASE_URL"); v != "" {
		cfg.MCP.BaseURL = v
	}
	if v := os.Getenv("RELAY_TOKEN_SECRET"); v != "" {
		cfg.MCP.TokenSecret = v
	}
	if v := os.Getenv("RELAY_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.Interval = d
		}
	}
	if v := os.Getenv("RELAY_SWEEP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.TTL = d
		}
	}
	if v := os.Getenv("RELAY_EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Events.Buffer = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		return fmt.Errorf("listen.tls_cert and listen.tls_key must be set together")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.Sweep.TTL <= c.Sweep.Interval {
		return fmt.Errorf("sweep.ttl must exceed sweep.interval")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be positive when enabled")
	}
	switch c.Observability.Tracing.Exporter {
	case "", "stdout", "otlp-http", "otlp-grpc":
	default:
		return fmt.Errorf("observability.tracing.exporter must be stdout, otlp-http, or otlp-grpc")
	}
	if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.tracing.sample_rate must be in [0, 1]")
	}
	return nil
}

// defaultConfigPath resolves the config file location, honoring XDG.
func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "relay", "relayd.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "relayd.yaml"
	}
	return filepath.Join(home, ".config", "relay", "relayd.yaml")
}

// defaultDBPath resolves the database location, honoring XDG.
func defaultDBPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "relay", "relay.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.db"
	}
	return filepath.Join(home, ".local", "share", "relay", "relay.db")
}
