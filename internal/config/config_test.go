package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"HEXRELAY_MODE",
	"HEXRELAY_LISTEN_MODE",
	"HEXRELAY_LOG_LEVEL",
	"HEXRELAY_PORT",
	"HEXRELAY_NET_TRACE",
	"HEXRELAY_MESSAGE_IDLE_TIMEOUT",
	"HEXRELAY_RELAY_NAMESPACE",
	"HEXRELAY_RELAY_KEY_NAME",
	"HEXRELAY_RELAY_KEY",
}

// clearEnv unsets every variable the tests touch and restores them afterwards
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		original, had := os.LookupEnv(key)
		_ = os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(key, original)
			} else {
				_ = os.Unsetenv(key)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	t.Run("defaults", func(t *testing.T) {
		cfg := Load()

		if cfg.Mode != ModeLocal {
			t.Errorf("Expected default Mode 'local', got: %s", cfg.Mode)
		}
		if cfg.ListenMode != ListenAuto {
			t.Errorf("Expected default ListenMode 'auto', got: %s", cfg.ListenMode)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("Expected default LogLevel 'info', got: %s", cfg.LogLevel)
		}
		if cfg.Port != DefaultPort {
			t.Errorf("Expected default Port %d, got: %d", DefaultPort, cfg.Port)
		}
		if cfg.MessageIdleTimeout != 3*time.Minute {
			t.Errorf("Expected default idle timeout 3m, got: %s", cfg.MessageIdleTimeout)
		}
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("HEXRELAY_MODE", "remote")
		t.Setenv("HEXRELAY_LISTEN_MODE", "relay")
		t.Setenv("HEXRELAY_LOG_LEVEL", "debug")
		t.Setenv("HEXRELAY_PORT", "7001")
		t.Setenv("HEXRELAY_NET_TRACE", "true")
		t.Setenv("HEXRELAY_MESSAGE_IDLE_TIMEOUT", "45s")

		cfg := Load()

		if cfg.Mode != ModeRemote {
			t.Errorf("Expected Mode from env, got: %s", cfg.Mode)
		}
		if cfg.ListenMode != ListenRelay {
			t.Errorf("Expected ListenMode from env, got: %s", cfg.ListenMode)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("Expected LogLevel from env, got: %s", cfg.LogLevel)
		}
		if cfg.Port != 7001 {
			t.Errorf("Expected Port from env, got: %d", cfg.Port)
		}
		if !cfg.NetTrace {
			t.Error("Expected NetTrace from env")
		}
		if cfg.MessageIdleTimeout != 45*time.Second {
			t.Errorf("Expected idle timeout from env, got: %s", cfg.MessageIdleTimeout)
		}
	})

	t.Run("malformed numbers keep defaults", func(t *testing.T) {
		t.Setenv("HEXRELAY_PORT", "not-a-port")
		t.Setenv("HEXRELAY_MESSAGE_IDLE_TIMEOUT", "soon")

		cfg := Load()
		if cfg.Port != DefaultPort {
			t.Errorf("Expected default port, got: %d", cfg.Port)
		}
		if cfg.MessageIdleTimeout != DefaultMessageIdleTimeout {
			t.Errorf("Expected default idle timeout, got: %s", cfg.MessageIdleTimeout)
		}
	})
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "hexrelay.yaml")
	content := []byte(`
mode: local
listen_mode: ip
port: 7100
message_idle_timeout: 90s
azure:
  relay_namespace: from-file
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("HEXRELAY_PORT", "7200")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ListenMode != ListenIP {
		t.Errorf("Expected listen mode from file, got: %s", cfg.ListenMode)
	}
	if cfg.Port != 7200 {
		t.Errorf("Expected environment to override file port, got: %d", cfg.Port)
	}
	if cfg.MessageIdleTimeout != 90*time.Second {
		t.Errorf("Expected idle timeout from file, got: %s", cfg.MessageIdleTimeout)
	}
	if cfg.Azure.RelayNamespace != "from-file" {
		t.Errorf("Expected namespace from file, got: %s", cfg.Azure.RelayNamespace)
	}
	if cfg.SocketName != DefaultSocketName {
		t.Errorf("Expected default socket name to survive, got: %s", cfg.SocketName)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := Parse([]byte("port: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "invalid mode",
			mutate:  func(c *Config) { c.Mode = "cloud" },
			wantErr: true,
		},
		{
			name:    "invalid listen mode",
			mutate:  func(c *Config) { c.ListenMode = "lan" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "relay domain without dot",
			mutate:  func(c *Config) { c.RelayDomain = "relay" },
			wantErr: true,
		},
		{
			name:    "remote mode without credentials",
			mutate:  func(c *Config) { c.Mode = ModeRemote },
			wantErr: true,
		},
		{
			name: "remote mode with credentials",
			mutate: func(c *Config) {
				c.Mode = ModeRemote
				c.Azure = AzureConfig{RelayNamespace: "ns", KeyName: "RootManageSharedAccessKey", Key: "a2V5"}
			},
			wantErr: false,
		},
		{
			name: "remote mode with entra id",
			mutate: func(c *Config) {
				c.Mode = ModeRemote
				c.Azure = AzureConfig{RelayNamespace: "ns", UseEntraID: true}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
