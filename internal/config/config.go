// Package config provides configuration parsing and validation for
// Mydia Relay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Direct   DirectConfig   `yaml:"direct"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Tokens   TokensConfig   `yaml:"tokens"`
	Sessions SessionsConfig `yaml:"sessions"`
	LocalAPI LocalAPIConfig `yaml:"local_api"`
	Media    MediaConfig    `yaml:"media"`
	Storage  StorageConfig  `yaml:"storage"`
	Observe  ObserveConfig  `yaml:"observability"`
}

// ServerConfig contains identity and logging settings.
type ServerConfig struct {
	// InstanceID identifies this server in handshake prologues.
	// "auto" derives a stable ID persisted in the data dir.
	InstanceID string `yaml:"instance_id"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat  string `yaml:"log_format"` // text, json
}

// RelayConfig configures the cloud relay connection.
type RelayConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// DirectConfig configures the QUIC direct listener.
type DirectConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	WildcardDomain string `yaml:"wildcard_domain"`
	// PublicIPURL is a plain-text what-is-my-ip endpoint used to
	// derive the public candidate address. Empty disables it.
	PublicIPURL string `yaml:"public_ip_url"`
}

// PairingConfig tunes claim codes.
type PairingConfig struct {
	ClaimTTL       time.Duration `yaml:"claim_ttl"`
	RetentionGrace time.Duration `yaml:"retention_grace"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RedeemRate     float64       `yaml:"redeem_rate"`
	RedeemBurst    int           `yaml:"redeem_burst"`
}

// TokensConfig configures issued credentials.
type TokensConfig struct {
	Secret    string        `yaml:"secret"`
	AccessTTL time.Duration `yaml:"access_ttl"`
	MediaTTL  time.Duration `yaml:"media_ttl"`
}

// SessionsConfig tunes tunnel sessions.
type SessionsConfig struct {
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxDecryptFailures int           `yaml:"max_decrypt_failures"`
	RekeyThreshold     uint64        `yaml:"rekey_threshold"`
}

// LocalAPIConfig points at the server's own HTTP API.
type LocalAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MediaConfig configures TURN-style media relay credentials.
type MediaConfig struct {
	TURNSecret    string        `yaml:"turn_secret"`
	CredentialTTL time.Duration `yaml:"credential_ttl"`
}

// StorageConfig selects the device store backend.
type StorageConfig struct {
	// PostgresDSN enables the Postgres device store; empty keeps
	// devices in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ObserveConfig configures the metrics/health listener.
type ObserveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			InstanceID: "auto",
			DataDir:    "./data",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Relay: RelayConfig{
			Enabled:      true,
			ReconnectMin: time.Second,
			ReconnectMax: time.Minute,
		},
		Direct: DirectConfig{
			Enabled: true,
			Address: ":8920",
		},
		Pairing: PairingConfig{
			ClaimTTL:       5 * time.Minute,
			RetentionGrace: 15 * time.Minute,
			SweepInterval:  time.Minute,
			RedeemRate:     5,
			RedeemBurst:    10,
		},
		Tokens: TokensConfig{
			AccessTTL: 24 * time.Hour,
			MediaTTL:  7 * 24 * time.Hour,
		},
		Sessions: SessionsConfig{
			IdleTimeout:        5 * time.Minute,
			MaxDecryptFailures: 3,
		},
		LocalAPI: LocalAPIConfig{
			BaseURL: "http://127.0.0.1:8096",
			Timeout: 30 * time.Second,
		},
		Media: MediaConfig{
			CredentialTTL: time.Hour,
		},
		Observe: ObserveConfig{
			Enabled: true,
			Address: ":9120",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults,
// expanding ${VAR} and ${VAR:-default} references first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.DataDir == "" {
		errs = append(errs, "server.data_dir is required")
	}
	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("server.log_level %q is invalid (debug, info, warn, error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("server.log_format %q is invalid (text, json)", c.Server.LogFormat))
	}

	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			errs = append(errs, "relay.url is required when relay is enabled")
		} else if u, err := url.Parse(c.Relay.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Sprintf("relay.url %q must be a ws:// or wss:// URL", c.Relay.URL))
		}
	}
	if !c.Relay.Enabled && !c.Direct.Enabled {
		errs = append(errs, "at least one of relay and direct must be enabled")
	}

	if c.Direct.Enabled {
		if _, _, err := net.SplitHostPort(c.Direct.Address); err != nil {
			errs = append(errs, fmt.Sprintf("direct.address %q is invalid: %v", c.Direct.Address, err))
		}
	}

	if c.Tokens.Secret == "" {
		errs = append(errs, "tokens.secret is required")
	}
	if c.Pairing.ClaimTTL <= 0 {
		errs = append(errs, "pairing.claim_ttl must be positive")
	}
	if c.LocalAPI.BaseURL == "" {
		errs = append(errs, "local_api.base_url is required")
	} else if u, err := url.Parse(c.LocalAPI.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("local_api.base_url %q is not a valid URL", c.LocalAPI.BaseURL))
	}

	if c.Observe.Enabled {
		if _, _, err := net.SplitHostPort(c.Observe.Address); err != nil {
			errs = append(errs, fmt.Sprintf("observability.address %q is invalid: %v", c.Observe.Address, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

// redactedValue replaces sensitive values in displayed config.
const redactedValue = "[REDACTED]"

// String returns the YAML form with secrets redacted, safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Redacted returns a deep copy with secrets replaced.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Tokens.Secret != "" {
		redacted.Tokens.Secret = redactedValue
	}
	if redacted.Media.TURNSecret != "" {
		redacted.Media.TURNSecret = redactedValue
	}
	if redacted.Storage.PostgresDSN != "" {
		redacted.Storage.PostgresDSN = redactedValue
	}
	return redacted
}
