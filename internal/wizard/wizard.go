// Package wizard provides an interactive setup wizard for hostrelay.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/hostrelay/internal/config"
	"github.com/postalsys/hostrelay/internal/relay"
)

// Roles the wizard can configure.
const (
	RoleRelay = "relay"
	RoleHost  = "host"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	Role       string
	// Token is the plaintext bearer token generated for the hidden hosts.
	// Only the bcrypt hash is written to a relay config.
	Token string
}

// answers collects the form values before they are turned into a Config.
type answers struct {
	Role       string
	ConfigPath string

	// relay
	Address        string
	StreamAddress  string
	Cert           string
	Key            string
	PendingTimeout string
	RequireToken   bool

	// host
	RelayURL   string
	Delivery   string
	Root       string
	UploadRate string
	Token      string

	LogLevel      string
	HealthEnabled bool
}

func defaultAnswers() answers {
	def := config.Default()
	return answers{
		Role:           RoleRelay,
		ConfigPath:     "./hostrelay.yaml",
		Address:        def.Relay.Address,
		PendingTimeout: def.Relay.PendingTimeout.String(),
		RelayURL:       def.Host.RelayURL,
		Delivery:       def.Host.Delivery,
		Root:           def.Host.Root,
		UploadRate:     "0",
		LogLevel:       def.Log.Level,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := defaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	var err error
	switch a.Role {
	case RoleRelay:
		err = w.askRelayConfig(&a)
	default:
		err = w.askHostConfig(&a)
	}
	if err != nil {
		return nil, err
	}

	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	if a.Role == RoleRelay && a.RequireToken {
		token, err := generateToken()
		if err != nil {
			return nil, err
		}
		a.Token = token
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	res := &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		Role:       a.Role,
		Token:      a.Token,
	}
	w.printSummary(res)

	return res, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _               _                 _
 | |__   ___  ___| |_ _ __ ___  ___| | __ _ _   _
 | '_ \ / _ \/ __| __| '__/ _ \/ _ \ |/ _' | | | |
 | | | | (_) \__ \ |_| | |  __/  __/ | (_| | |_| |
 |_| |_|\___/|___/\__|_|  \___|\___|_|\__,_|\__, |
                                            |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Reverse HTTP relay for hidden hosts - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose what this machine runs and where to write its config."),

			huh.NewSelect[string]().
				Title("Role").
				Options(
					huh.NewOption("Relay (public HTTP endpoint)", RoleRelay),
					huh.NewOption("Hidden host (serves files through a relay)", RoleHost),
				).
				Value(&a.Role),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./hostrelay.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRelayConfig(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay").
				Description("Clients and hidden hosts both connect to this address."),

			huh.NewInput().
				Title("Listen Address").
				Placeholder(":9001").
				Value(&a.Address).
				Validate(validateAddress),

			huh.NewInput().
				Title("Bulk Stream Address").
				Description("Separate listener for stream delivery (leave empty to share the listen address)").
				Value(&a.StreamAddress).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validateAddress(s)
				}),

			huh.NewInput().
				Title("Pending Request Timeout").
				Description("How long a client waits for a host (0 waits forever)").
				Value(&a.PendingTimeout).
				Validate(validateDuration),
		),
		huh.NewGroup(
			huh.NewNote().
				Title("TLS").
				Description("Leave both empty to serve plain HTTP."),

			huh.NewInput().
				Title("Certificate File").
				Value(&a.Cert),

			huh.NewInput().
				Title("Key File").
				Value(&a.Key),

			huh.NewConfirm().
				Title("Require a token from hidden hosts?").
				Description("A random token is generated and only its hash is stored").
				Value(&a.RequireToken),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if (a.Cert == "") != (a.Key == "") {
		return fmt.Errorf("both certificate and key are required for TLS")
	}
	return nil
}

func (w *Wizard) askHostConfig(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Hidden Host").
				Description("Connect outbound to a relay and serve a local directory."),

			huh.NewInput().
				Title("Relay URL").
				Placeholder("https://relay.example.com").
				Value(&a.RelayURL).
				Validate(validateRelayURL),

			huh.NewInput().
				Title("Served Directory").
				Value(&a.Root).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("directory is required")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Delivery Mode").
				Options(
					huh.NewOption("HTTP uploads (POST /command and /file)", config.DeliveryHTTP),
					huh.NewOption("Multiplexed streams over WebSocket", config.DeliveryStream),
				).
				Value(&a.Delivery),

			huh.NewInput().
				Title("Upload Rate Limit").
				Description("e.g. 10MB, 512KiB, 0 for unlimited").
				Value(&a.UploadRate).
				Validate(validateSize),

			huh.NewInput().
				Title("Relay Token").
				Description("Leave empty if the relay does not require one").
				EchoMode(huh.EchoModePassword).
				Value(&a.Token),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns the collected answers into a validated Config.
func buildConfig(a answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = "text"
	cfg.Health.Enabled = a.HealthEnabled

	switch a.Role {
	case RoleRelay:
		cfg.Relay.Address = a.Address
		cfg.Relay.StreamAddress = a.StreamAddress
		cfg.Relay.TLS = config.TLSConfig{Cert: a.Cert, Key: a.Key}
		if a.PendingTimeout != "" {
			d, err := time.ParseDuration(a.PendingTimeout)
			if err != nil {
				return nil, fmt.Errorf("invalid pending timeout: %w", err)
			}
			cfg.Relay.PendingTimeout = d
		}
		if a.Token != "" {
			hash, err := relay.HashToken(a.Token)
			if err != nil {
				return nil, fmt.Errorf("failed to hash token: %w", err)
			}
			cfg.Relay.Auth.TokenHashes = []string{hash}
		}
		if err := cfg.ValidateRelay(); err != nil {
			return nil, err
		}

	case RoleHost:
		cfg.Host.RelayURL = a.RelayURL
		cfg.Host.Root = a.Root
		cfg.Host.Delivery = a.Delivery
		cfg.Host.Token = a.Token
		rate, err := parseSize(a.UploadRate)
		if err != nil {
			return nil, err
		}
		cfg.Host.UploadRate = config.ByteSize(rate)
		if err := cfg.ValidateHost(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown role %q", a.Role)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# hostrelay configuration
# Generated by setup wizard

`
	// The host token is a secret.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(res *Result) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	cfg := res.Config
	fmt.Printf("  Role:         %s\n", res.Role)
	fmt.Printf("  Config file:  %s\n", res.ConfigPath)

	if res.Role == RoleRelay {
		scheme := "http"
		if cfg.Relay.TLS.Enabled() {
			scheme = "https"
		}
		fmt.Printf("  Listener:     %s://%s\n", scheme, cfg.Relay.Address)
		if cfg.Relay.StreamAddress != "" {
			fmt.Printf("  Streams:      %s\n", cfg.Relay.StreamAddress)
		}
		if res.Token != "" {
			fmt.Println()
			fmt.Println("  Host token (shown once, store it safely):")
			fmt.Printf("    %s\n", res.Token)
		}
	} else {
		fmt.Printf("  Relay:        %s\n", cfg.Host.RelayURL)
		fmt.Printf("  Serving:      %s\n", cfg.Host.Root)
		fmt.Printf("  Delivery:     %s\n", cfg.Host.Delivery)
		if cfg.Host.UploadRate > 0 {
			fmt.Printf("  Upload rate:  %s/s\n", cfg.Host.UploadRate)
		}
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start:")
	fmt.Printf("    hostrelay %s -c %s\n", res.Role, res.ConfigPath)
	fmt.Println()
}

// generateToken returns 32 random bytes hex-encoded.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateAddress(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

func validateDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

func validateSize(s string) error {
	_, err := parseSize(s)
	return err
}

func validateRelayURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("relay URL must use http, https, ws or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("relay URL needs a host")
	}
	return nil
}
