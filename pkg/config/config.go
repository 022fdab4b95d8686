package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.driftgate/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8099
// data_dir: /var/lib/driftgate
// allow_hosts:
//   - 10.0.0.5
//   - bastion.internal
// vault:
//   token_ttl_minutes: 30
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Port must be between 1 and 65535.
// - An absent or empty allow_hosts list disables the gate: every host may
//   be dialed. List hostnames to restrict the gateway.

type AppConfig struct {
	Server     ServerConfig `yaml:"server"`
	DataDir    *string      `yaml:"data_dir"`
	AllowHosts []string     `yaml:"allow_hosts"`
	Vault      VaultConfig  `yaml:"vault"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type VaultConfig struct {
	TokenTTLMinutes *int `yaml:"token_ttl_minutes"`
}

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8099
	DefaultTokenTTLMinutes = 30
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".driftgate")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.driftgate/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if strings.TrimSpace(cfg.Host()) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}
	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}
	if ttl := cfg.TokenTTLMinutes(); ttl < 1 {
		return nil, "", fmt.Errorf("invalid vault.token_ttl_minutes %d in %s", ttl, configFile)
	}

	return cfg, configFile, nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)}}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// DataDirectory returns the directory the file store is rooted at.
// Defaults to ~/.driftgate/data.
func (c *AppConfig) DataDirectory() string {
	if c != nil && c.DataDir != nil {
		if v := strings.TrimSpace(*c.DataDir); v != "" {
			return v
		}
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return "data"
	}
	return filepath.Join(configDir, "data")
}

// AllowedHosts returns the allow-listed hostnames, trimmed and de-duplicated.
func (c *AppConfig) AllowedHosts() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool, len(c.AllowHosts))
	out := make([]string, 0, len(c.AllowHosts))
	for _, h := range c.AllowHosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

func (c *AppConfig) TokenTTLMinutes() int {
	if c == nil || c.Vault.TokenTTLMinutes == nil {
		return DefaultTokenTTLMinutes
	}
	return *c.Vault.TokenTTLMinutes
}

func ptr[T any](v T) *T { return &v }
