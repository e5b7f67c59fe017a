package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Relay.Address != ":9001" {
		t.Errorf("Relay.Address = %s, want :9001", cfg.Relay.Address)
	}
	if cfg.Relay.PendingTimeout != 5*time.Minute {
		t.Errorf("Relay.PendingTimeout = %v, want 5m", cfg.Relay.PendingTimeout)
	}
	if cfg.Relay.MaxFieldSize != 64*1024 {
		t.Errorf("Relay.MaxFieldSize = %d, want 65536", cfg.Relay.MaxFieldSize)
	}
	if cfg.Host.Delivery != DeliveryHTTP {
		t.Errorf("Host.Delivery = %s, want http", cfg.Host.Delivery)
	}
	if cfg.Health.Enabled {
		t.Error("Health.Enabled = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("Default().ValidateRelay() error = %v", err)
	}
	if err := cfg.ValidateHost(); err != nil {
		t.Errorf("Default().ValidateHost() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	root := t.TempDir()
	yamlConfig := `
log:
  level: debug
  format: json

relay:
  address: "0.0.0.0:8443"
  stream_address: "0.0.0.0:8444"
  tls:
    cert: /etc/relay/cert.pem
    key: /etc/relay/key.pem
  max_connections: 500
  pending_timeout: 90s
  max_field_size: 128KiB
  access_log: true
  auth:
    token_hashes:
      - "$2a$10$abcdefghijklmnopqrstuv"

host:
  relay_url: "https://relay.example.com:8443"
  delivery: stream
  root: "` + root + `"
  token: secret
  upload_rate: 1MiB
  dial_timeout: 5s
  reconnect:
    initial_delay: 2s
    max_delay: 30s
    multiplier: 1.5
    jitter: false

health:
  enabled: true
  address: "127.0.0.1:9191"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay() error = %v", err)
	}
	if err := cfg.ValidateHost(); err != nil {
		t.Errorf("ValidateHost() error = %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Relay.StreamAddress != "0.0.0.0:8444" {
		t.Errorf("Relay.StreamAddress = %s, want 0.0.0.0:8444", cfg.Relay.StreamAddress)
	}
	if !cfg.Relay.TLS.Enabled() {
		t.Error("Relay.TLS.Enabled() = false, want true")
	}
	if cfg.Relay.MaxConnections != 500 {
		t.Errorf("Relay.MaxConnections = %d, want 500", cfg.Relay.MaxConnections)
	}
	if cfg.Relay.PendingTimeout != 90*time.Second {
		t.Errorf("Relay.PendingTimeout = %v, want 90s", cfg.Relay.PendingTimeout)
	}
	if cfg.Relay.MaxFieldSize != 128*1024 {
		t.Errorf("Relay.MaxFieldSize = %d, want 131072", cfg.Relay.MaxFieldSize)
	}
	if len(cfg.Relay.Auth.TokenHashes) != 1 {
		t.Errorf("len(Relay.Auth.TokenHashes) = %d, want 1", len(cfg.Relay.Auth.TokenHashes))
	}
	if cfg.Host.Delivery != DeliveryStream {
		t.Errorf("Host.Delivery = %s, want stream", cfg.Host.Delivery)
	}
	if cfg.Host.UploadRate != 1<<20 {
		t.Errorf("Host.UploadRate = %d, want 1048576", cfg.Host.UploadRate)
	}
	if cfg.Host.Reconnect.Multiplier != 1.5 {
		t.Errorf("Host.Reconnect.Multiplier = %v, want 1.5", cfg.Host.Reconnect.Multiplier)
	}
	if cfg.Host.Reconnect.Jitter {
		t.Error("Host.Reconnect.Jitter = true, want false")
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9191" {
		t.Errorf("Health = %+v, want enabled on 127.0.0.1:9191", cfg.Health)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
	if cfg.Relay.Address != ":9001" {
		t.Errorf("Relay.Address = %s, want default :9001", cfg.Relay.Address)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("log: [unclosed")); err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_InvalidSize(t *testing.T) {
	_, err := Parse([]byte("relay:\n  max_field_size: lots\n"))
	if err == nil {
		t.Fatal("Parse() should fail for invalid size")
	}
	if !strings.Contains(err.Error(), "invalid size") {
		t.Errorf("Error = %v, want to contain %q", err, "invalid size")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		config    string
		wantError string
	}{
		{
			name:      "invalid log level",
			config:    "log:\n  level: verbose\n",
			wantError: "invalid log.level",
		},
		{
			name:      "invalid log format",
			config:    "log:\n  format: xml\n",
			wantError: "invalid log.format",
		},
		{
			name:      "health without port",
			config:    "health:\n  enabled: true\n  address: localhost\n",
			wantError: "health.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestConfig_ValidateRelay(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantError string
	}{
		{"missing address", func(c *Config) { c.Relay.Address = "" }, "relay.address"},
		{"bad stream address", func(c *Config) { c.Relay.StreamAddress = "nope" }, "relay.stream_address"},
		{"cert without key", func(c *Config) { c.Relay.TLS.Cert = "cert.pem" }, "must be set together"},
		{"negative connections", func(c *Config) { c.Relay.MaxConnections = -1 }, "max_connections"},
		{"negative timeout", func(c *Config) { c.Relay.PendingTimeout = -time.Second }, "pending_timeout"},
		{"tiny field size", func(c *Config) { c.Relay.MaxFieldSize = 4 }, "max_field_size"},
		{"plain token", func(c *Config) { c.Relay.Auth.TokenHashes = []string{"secret"} }, "not a bcrypt hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.ValidateRelay()
			if err == nil {
				t.Fatal("ValidateRelay() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestConfig_ValidateHost(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tests := []struct {
		name      string
		modify    func(*Config)
		wantError string
	}{
		{"missing relay url", func(c *Config) { c.Host.RelayURL = "" }, "host.relay_url"},
		{"bad scheme", func(c *Config) { c.Host.RelayURL = "ftp://relay" }, "unsupported scheme"},
		{"bad stream url", func(c *Config) { c.Host.StreamURL = "http://" }, "host.stream_url"},
		{"bad delivery", func(c *Config) { c.Host.Delivery = "carrier-pigeon" }, "invalid host.delivery"},
		{"missing root", func(c *Config) { c.Host.Root = "" }, "host.root is required"},
		{"root is file", func(c *Config) { c.Host.Root = file }, "is not a directory"},
		{"bad delays", func(c *Config) { c.Host.Reconnect.MaxDelay = time.Millisecond }, "host.reconnect delays"},
		{"bad multiplier", func(c *Config) { c.Host.Reconnect.Multiplier = 0.5 }, "multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.ValidateHost()
			if err == nil {
				t.Fatal("ValidateHost() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAY_URL", "https://relay.test:9443")
	t.Setenv("TEST_HOST_TOKEN", "tok-123")

	yamlConfig := `
host:
  relay_url: "${TEST_RELAY_URL}"
  token: "$TEST_HOST_TOKEN"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Host.RelayURL != "https://relay.test:9443" {
		t.Errorf("Host.RelayURL = %s, want https://relay.test:9443", cfg.Host.RelayURL)
	}
	if cfg.Host.Token != "tok-123" {
		t.Errorf("Host.Token = %s, want tok-123", cfg.Host.Token)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	cfg, err := Parse([]byte(`host:
  root: "${NONEXISTENT_VAR:-/srv/files}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Host.Root != "/srv/files" {
		t.Errorf("Host.Root = %s, want /srv/files", cfg.Host.Root)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	cfg, err := Parse([]byte(`host:
  root: "${NONEXISTENT_VAR}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Unknown variables are left in place
	if cfg.Host.Root != "${NONEXISTENT_VAR}" {
		t.Errorf("Host.Root = %s, want ${NONEXISTENT_VAR}", cfg.Host.Root)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		input string
		want  ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"64KiB", 64 * 1024},
		{"2 MiB", 2 << 20},
		{"1KB", 1000},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var got ByteSize
			if err := yaml.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("Unmarshal(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Unmarshal(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}

	if s := ByteSize(64 * 1024).String(); s != "64 KiB" {
		t.Errorf("String() = %q, want %q", s, "64 KiB")
	}
	if s := ByteSize(0).String(); s != "0" {
		t.Errorf("String() = %q, want %q", s, "0")
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Host.Token = "super-secret"
	cfg.Relay.TLS.Key = "/etc/key.pem"
	cfg.Relay.Auth.TokenHashes = []string{"$2a$10$hash"}

	redacted := cfg.Redacted()
	if redacted.Host.Token != redactedValue {
		t.Errorf("Host.Token = %s, want %s", redacted.Host.Token, redactedValue)
	}
	if redacted.Relay.Auth.TokenHashes[0] != redactedValue {
		t.Errorf("TokenHashes[0] = %s, want %s", redacted.Relay.Auth.TokenHashes[0], redactedValue)
	}
	if cfg.Relay.Auth.TokenHashes[0] != "$2a$10$hash" {
		t.Error("Redacted() modified the original token hashes")
	}
	if cfg.Host.Token != "super-secret" {
		t.Error("Redacted() modified the original token")
	}

	s := cfg.String()
	if strings.Contains(s, "super-secret") {
		t.Error("String() leaked the host token")
	}
}
