// Package config handles configuration loading from YAML and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Memory    MemoryConfig    `yaml:"memory"`
	CA        CAConfig        `yaml:"ca"`
	DoH       DoHConfig       `yaml:"doh"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ProxyConfig configures where claimed flows are handed to the router:
// one listener for TCP flows, one for UDP flows, and a separate
// address for the capture-inspection API/WebSocket surface.
type ProxyConfig struct {
	TCPListen string `yaml:"tcp_listen"` // e.g., "127.0.0.1:9090"
	UDPListen string `yaml:"udp_listen"` // e.g., "127.0.0.1:9091"
	APIListen string `yaml:"api_listen"` // e.g., "127.0.0.1:9092"
}

// MemoryConfig bounds the in-memory capture store; there is no
// persistence layer, so these caps are the only limit on retained
// records.
type MemoryConfig struct {
	MaxFlows      int `yaml:"max_flows"`       // cap on retained flow records (newest kept)
	MaxDNSQueries int `yaml:"max_dns_queries"` // cap on retained DNS records (newest kept)
}

// CAConfig locates the MITM certificate authority's key material.
type CAConfig struct {
	Dir string `yaml:"dir"` // directory holding ca.crt/ca.key, created on first run
}

// DoHConfig configures the DNS-over-HTTPS client's upstream list and
// raw-UDP last-resort fallback.
type DoHConfig struct {
	Upstreams       []UpstreamConfig `yaml:"upstreams"`
	UDPFallbackAddr string           `yaml:"udp_fallback_addr"`
}

// UpstreamConfig is one DoH provider's primary/fallback endpoint pair.
type UpstreamConfig struct {
	Name     string `yaml:"name"`
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// RetentionConfig holds a flow-record TTL that is loaded and saved with
// the rest of the config; nothing reads it, so retained records are
// bounded only by the MemoryConfig caps.
type RetentionConfig struct {
	FlowsTTLMinutes int `yaml:"flows_ttl_minutes"`
}

// AuthConfig configures API/WebSocket authentication.
type AuthConfig struct {
	Token string `yaml:"token"` // Bearer token for API access
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			TCPListen: "127.0.0.1:9090",
			UDPListen: "127.0.0.1:9091",
			APIListen: "127.0.0.1:9092",
		},
		Memory: MemoryConfig{
			MaxFlows:      10000,
			MaxDNSQueries: 10000,
		},
		DoH: DoHConfig{
			Upstreams: []UpstreamConfig{
				{Name: "cloudflare", Primary: "https://1.1.1.1/dns-query", Fallback: "https://1.0.0.1/dns-query"},
				{Name: "cloudflare-family", Primary: "https://1.1.1.3/dns-query", Fallback: "https://1.0.0.3/dns-query"},
				{Name: "google", Primary: "https://8.8.8.8/dns-query", Fallback: "https://8.8.4.4/dns-query"},
				{Name: "quad9", Primary: "https://9.9.9.9:5053/dns-query", Fallback: "https://149.112.112.112:5053/dns-query"},
			},
			UDPFallbackAddr: "8.8.8.8:53",
		},
		Retention: RetentionConfig{
			FlowsTTLMinutes: 60,
		},
		Auth: AuthConfig{
			Token: "", // Generated on first run if empty
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "interceptor"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "interceptor"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultCADir returns the default CA key-material directory.
func DefaultCADir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ca"), nil
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	caDir, err := DefaultCADir()
	if err != nil {
		return nil, fmt.Errorf("getting default CA dir: %w", err)
	}
	cfg.CA.Dir = caDir

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if cfg.Auth.Token == "" {
				cfg.Auth.Token, err = generateToken()
				if err != nil {
					return nil, fmt.Errorf("generating auth token: %w", err)
				}
				if err := cfg.Save(path); err != nil {
					return nil, fmt.Errorf("saving config: %w", err)
				}
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INTERCEPTOR_TCP_LISTEN"); v != "" {
		c.Proxy.TCPListen = v
	}
	if v := os.Getenv("INTERCEPTOR_UDP_LISTEN"); v != "" {
		c.Proxy.UDPListen = v
	}
	if v := os.Getenv("INTERCEPTOR_API_LISTEN"); v != "" {
		c.Proxy.APIListen = v
	}
	if v := os.Getenv("INTERCEPTOR_CA_DIR"); v != "" {
		c.CA.Dir = v
	}
	if v := os.Getenv("INTERCEPTOR_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "interceptor_" + hex.EncodeToString(bytes), nil
}
