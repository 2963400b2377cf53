// Package config provides configuration parsing and validation for
// tele-metroo.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete transport configuration.
type Config struct {
	Client  ClientConfig   `yaml:"client"`
	PFS     PFSConfig      `yaml:"pfs"`
	Timing  TimingConfig   `yaml:"timing"`
	Proxy   ProxyConfig    `yaml:"proxy"`
	Limits  LimitsConfig   `yaml:"limits"`
	RSAKeys []RSAKeyConfig `yaml:"rsa_keys"`
	DCs     []DCConfig     `yaml:"dcs"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// ClientConfig contains client identity settings.
type ClientConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	IPv6      bool   `yaml:"ipv6"`       // Prefer IPv6 endpoints
}

// PFSConfig controls perfect forward secrecy.
type PFSConfig struct {
	// Enabled turns on temporary keys bound to the permanent key.
	Enabled bool `yaml:"enabled"`

	// TempKeyExpiry is the requested temporary key lifetime.
	TempKeyExpiry time.Duration `yaml:"temp_key_expiry"`
}

// TimingConfig bounds the transport's timers.
type TimingConfig struct {
	AckFlush         time.Duration `yaml:"ack_flush"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// ProxyConfig routes connections through a SOCKS5 proxy.
type ProxyConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LimitsConfig caps outgoing traffic.
type LimitsConfig struct {
	// SendBytesPerSecond caps framed bytes per connection. Zero disables.
	SendBytesPerSecond int `yaml:"send_bytes_per_second"`

	// SendBurst is the limiter burst size.
	SendBurst int `yaml:"send_burst"`
}

// RSAKeyConfig references one server public key, by file path or inline
// PEM. Inline PEM takes precedence.
type RSAKeyConfig struct {
	File string `yaml:"file"`
	PEM  string `yaml:"pem"`
}

// GetPEM returns the key PEM content, reading from file if necessary.
func (k *RSAKeyConfig) GetPEM() ([]byte, error) {
	if k.PEM != "" {
		return []byte(k.PEM), nil
	}
	if k.File != "" {
		return os.ReadFile(k.File)
	}
	return nil, fmt.Errorf("rsa key entry has neither file nor pem")
}

// DCConfig declares one data center and its endpoint options.
type DCConfig struct {
	ID        int32            `yaml:"id"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig is one host/port option of a DC.
type EndpointConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	IPv6  bool   `yaml:"ipv6"`
	Media bool   `yaml:"media"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the metrics HTTP listen address. Empty disables it.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a config with sensible defaults and no DCs.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		PFS: PFSConfig{
			Enabled:       true,
			TempKeyExpiry: time.Hour,
		},
		Timing: TimingConfig{
			AckFlush:         30 * time.Second,
			DialTimeout:      30 * time.Second,
			ReconnectInitial: 250 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
		},
	}
}

// Load reads, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML config content.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Client.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Client.LogLevel)
	}
	switch strings.ToLower(c.Client.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.Client.LogFormat)
	}

	if len(c.RSAKeys) == 0 {
		return fmt.Errorf("at least one rsa key is required")
	}
	for i, k := range c.RSAKeys {
		if k.File == "" && k.PEM == "" {
			return fmt.Errorf("rsa_keys[%d]: neither file nor pem set", i)
		}
	}

	if len(c.DCs) == 0 {
		return fmt.Errorf("at least one DC is required")
	}
	seen := make(map[int32]bool)
	for i, d := range c.DCs {
		if d.ID <= 0 {
			return fmt.Errorf("dcs[%d]: id must be positive", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("dcs[%d]: duplicate DC id %d", i, d.ID)
		}
		seen[d.ID] = true
		if len(d.Endpoints) == 0 {
			return fmt.Errorf("dcs[%d]: at least one endpoint is required", i)
		}
		for j, ep := range d.Endpoints {
			if ep.Host == "" {
				return fmt.Errorf("dcs[%d].endpoints[%d]: host is required", i, j)
			}
			if ep.Port <= 0 || ep.Port > 65535 {
				return fmt.Errorf("dcs[%d].endpoints[%d]: invalid port %d", i, j, ep.Port)
			}
		}
	}

	if c.PFS.Enabled && c.PFS.TempKeyExpiry < time.Minute {
		return fmt.Errorf("pfs.temp_key_expiry must be at least 1m")
	}
	if c.Limits.SendBytesPerSecond < 0 {
		return fmt.Errorf("limits.send_bytes_per_second must not be negative")
	}
	return nil
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
