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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:7420", cfg.Listen.Addr)
	require.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	require.Equal(t, 90*time.Second, cfg.Sweep.TTL)
	require.Equal(t, 1024, cfg.Events.Buffer)
	require.True(t, cfg.RateLimit.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Listen.Addr, cfg.Listen.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  addr: 0.0.0.0:9000
storage:
  path: /tmp/relay-test.db
  wal: false
sweep:
  interval: 10s
  ttl: 45s
events:
  buffer: 64
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Listen.Addr)
	require.Equal(t, "/tmp/relay-test.db", cfg.Storage.Path)
	require.False(t, cfg.Storage.WAL)
	require.Equal(t, 10*time.Second, cfg.Sweep.Interval)
	require.Equal(t, 45*time.Second, cfg.Sweep.TTL)
	require.Equal(t, 64, cfg.Events.Buffer)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  addr: 0.0.0.0:9000\n"), 0o600))

	t.Setenv("RELAY_LISTEN_ADDR", "127.0.0.1:9001")
	t.Setenv("RELAY_SWEEP_TTL", "5m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9001", cfg.Listen.Addr)
	require.Equal(t, 5*time.Minute, cfg.Sweep.TTL)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [broken"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"missing addr", func(c *Config) { c.Listen.Addr = "" }, false},
		{"missing db path", func(c *Config) { c.Storage.Path = "" }, false},
		{"tls cert without key", func(c *Config) { c.Listen.TLSCert = "cert.pem" }, false},
		{"tls pair", func(c *Config) {
			c.Listen.TLSCert = "cert.pem"
			c.Listen.TLSKey = "key.pem"
		}, true},
		{"ttl below interval", func(c *Config) { c.Sweep.TTL = c.Sweep.Interval }, false},
		{"zero interval", func(c *Config) { c.Sweep.Interval = 0 }, false},
		{"rate limit without rps", func(c *Config) { c.RateLimit.RPS = 0 }, false},
		{"unknown exporter", func(c *Config) { c.Observability.Tracing.Exporter = "jaeger" }, false},
		{"sample rate above one", func(c *Config) { c.Observability.Tracing.SampleRate = 1.5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
