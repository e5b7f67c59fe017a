// Package config provides configuration parsing and validation for hostrelay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Delivery modes for hidden hosts.
const (
	DeliveryHTTP   = "http"   // POST /command and POST /file
	DeliveryStream = "stream" // control-channel errors and yamux bulk streams
)

// Config is the complete configuration shared by the relay and host commands.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Relay  RelayConfig  `yaml:"relay"`
	Host   HostConfig   `yaml:"host"`
	Health HealthConfig `yaml:"health"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RelayConfig configures the public relay.
type RelayConfig struct {
	Address        string        `yaml:"address"`         // HTTP listen address
	StreamAddress  string        `yaml:"stream_address"`  // bulk stream listener; empty shares Address
	TLS            TLSConfig     `yaml:"tls"`             // optional certificate/key pair
	MaxConnections int           `yaml:"max_connections"` // 0 = unlimited
	PendingTimeout time.Duration `yaml:"pending_timeout"` // 0 = wait forever
	MaxFieldSize   ByteSize      `yaml:"max_field_size"`  // multipart form field limit
	AccessLog      bool          `yaml:"access_log"`
	Auth           AuthConfig    `yaml:"auth"`
}

// TLSConfig names a certificate/key pair.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Enabled reports whether both halves of the pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// AuthConfig lists bcrypt hashes of the bearer tokens hidden hosts may present.
// An empty list disables authentication.
type AuthConfig struct {
	TokenHashes []string `yaml:"token_hashes"`
}

// HostConfig configures a hidden host.
type HostConfig struct {
	RelayURL    string          `yaml:"relay_url"`   // http(s) base URL of the relay
	StreamURL   string          `yaml:"stream_url"`  // bulk endpoint; empty derives from RelayURL
	Delivery    string          `yaml:"delivery"`    // http or stream
	Root        string          `yaml:"root"`        // directory served to clients
	Token       string          `yaml:"token"`       // bearer token for the relay
	UploadRate  ByteSize        `yaml:"upload_rate"` // bytes per second, 0 = unlimited
	DialTimeout time.Duration   `yaml:"dial_timeout"`
	TLS         ClientTLSConfig `yaml:"tls"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

// ClientTLSConfig configures verification of the relay certificate.
type ClientTLSConfig struct {
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // development only
}

// ReconnectConfig defines the control channel reconnect backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// HealthConfig defines the health and metrics server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ByteSize is a byte count written either as an integer or a human-readable
// size such as "64KiB" or "2MB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" || s == "0" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// String formats the size with IEC units.
func (b ByteSize) String() string {
	if b <= 0 {
		return "0"
	}
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Address:        ":9001",
			PendingTimeout: 5 * time.Minute,
			MaxFieldSize:   64 * 1024,
		},
		Host: HostConfig{
			RelayURL:    "http://localhost:9001",
			Delivery:    DeliveryHTTP,
			Root:        ".",
			DialTimeout: 30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Health.Enabled {
		if err := validateAddress(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
	}

	return joinErrors(errs)
}

// ValidateRelay checks the relay section.
func (c *Config) ValidateRelay() error {
	var errs []string
	r := c.Relay

	if err := validateAddress(r.Address); err != nil {
		errs = append(errs, fmt.Sprintf("relay.address: %v", err))
	}
	if r.StreamAddress != "" {
		if err := validateAddress(r.StreamAddress); err != nil {
			errs = append(errs, fmt.Sprintf("relay.stream_address: %v", err))
		}
	}
	if (r.TLS.Cert == "") != (r.TLS.Key == "") {
		errs = append(errs, "relay.tls.cert and relay.tls.key must be set together")
	}
	if r.MaxConnections < 0 {
		errs = append(errs, "relay.max_connections must not be negative")
	}
	if r.PendingTimeout < 0 {
		errs = append(errs, "relay.pending_timeout must not be negative")
	}
	if r.MaxFieldSize < 16 {
		errs = append(errs, "relay.max_field_size must be at least 16 bytes")
	}
	for i, h := range r.Auth.TokenHashes {
		if !strings.HasPrefix(h, "$2") {
			errs = append(errs, fmt.Sprintf("relay.auth.token_hashes[%d]: not a bcrypt hash", i))
		}
	}

	return joinErrors(errs)
}

// ValidateHost checks the host section.
func (c *Config) ValidateHost() error {
	var errs []string
	h := c.Host

	if err := validateURL(h.RelayURL); err != nil {
		errs = append(errs, fmt.Sprintf("host.relay_url: %v", err))
	}
	if h.StreamURL != "" {
		if err := validateURL(h.StreamURL); err != nil {
			errs = append(errs, fmt.Sprintf("host.stream_url: %v", err))
		}
	}
	switch h.Delivery {
	case DeliveryHTTP, DeliveryStream:
	default:
		errs = append(errs, fmt.Sprintf("invalid host.delivery: %s (must be http or stream)", h.Delivery))
	}
	if h.Root == "" {
		errs = append(errs, "host.root is required")
	} else if info, err := os.Stat(h.Root); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Sprintf("host.root: %s is not a directory", h.Root))
	}
	if h.UploadRate < 0 {
		errs = append(errs, "host.upload_rate must not be negative")
	}
	if h.Reconnect.InitialDelay <= 0 || h.Reconnect.MaxDelay < h.Reconnect.InitialDelay {
		errs = append(errs, "host.reconnect delays must be positive with max_delay >= initial_delay")
	}
	if h.Reconnect.Multiplier < 1 {
		errs = append(errs, "host.reconnect.multiplier must be at least 1")
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q (use host:port)", addr)
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}

// String returns a YAML rendering with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config that is safe to log.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.Relay.Auth.TokenHashes = append([]string(nil), c.Relay.Auth.TokenHashes...)
	for i := range redacted.Relay.Auth.TokenHashes {
		redacted.Relay.Auth.TokenHashes[i] = redactedValue
	}
	if redacted.Host.Token != "" {
		redacted.Host.Token = redactedValue
	}
	if redacted.Relay.TLS.Key != "" {
		redacted.Relay.TLS.Key = redactedValue
	}
	return &redacted
}
