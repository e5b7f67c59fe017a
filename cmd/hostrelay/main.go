// Package main provides the CLI entry point for hostrelay.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/hostrelay/internal/config"
	"github.com/postalsys/hostrelay/internal/health"
	"github.com/postalsys/hostrelay/internal/hiddenhost"
	"github.com/postalsys/hostrelay/internal/logging"
	"github.com/postalsys/hostrelay/internal/metrics"
	"github.com/postalsys/hostrelay/internal/relay"
	"github.com/postalsys/hostrelay/internal/resource"
	"github.com/postalsys/hostrelay/internal/transport"
	"github.com/postalsys/hostrelay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostrelay",
		Short: "hostrelay - Reverse HTTP relay for hidden hosts",
		Long: `hostrelay publishes files from machines that cannot accept inbound
connections. Hidden hosts keep a WebSocket open to a public relay, and
the relay forwards GET /{hostId}/{path} requests to them over it.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(relayCmd())
	root.AddCommand(hostCmd())
	root.AddCommand(initCmd())
	root.AddCommand(hashTokenCmd())
	root.AddCommand(genCertCmd())

	return root
}

// loadConfig reads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func relayCmd() *cobra.Command {
	var (
		configPath string
		port       int
		streamPort int
		certFile   string
		keyFile    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the public relay",
		Long:  "Accept hidden host connections and route client requests to them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Relay.Address = fmt.Sprintf(":%d", port)
			}
			if flags.Changed("stream-port") {
				cfg.Relay.StreamAddress = fmt.Sprintf(":%d", streamPort)
			}
			if flags.Changed("cert") {
				cfg.Relay.TLS.Cert = certFile
			}
			if flags.Changed("key") {
				cfg.Relay.TLS.Key = keyFile
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}

			return runRelay(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 9001, "Listen port")
	cmd.Flags().IntVar(&streamPort, "stream-port", 0, "Separate listen port for bulk streams")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS private key file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func runRelay(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	lc := relay.ListenConfig{
		Address:        cfg.Relay.Address,
		StreamAddress:  cfg.Relay.StreamAddress,
		MaxConnections: cfg.Relay.MaxConnections,
	}
	if cfg.Relay.TLS.Enabled() {
		tlsCfg, err := transport.LoadServerTLS(cfg.Relay.TLS.Cert, cfg.Relay.TLS.Key)
		if err != nil {
			return err
		}
		lc.TLS = tlsCfg
	}

	srv := relay.New(relay.Options{
		PendingTimeout: cfg.Relay.PendingTimeout,
		MaxFieldSize:   int64(cfg.Relay.MaxFieldSize),
		TokenHashes:    cfg.Relay.Auth.TokenHashes,
		AccessLog:      cfg.Relay.AccessLog,
		Logger:         logger,
		Metrics:        metrics.Default(),
	})

	stats := &relayStats{srv: srv}
	stopHealth, err := startHealth(cfg.Health, stats, logger)
	if err != nil {
		return err
	}
	defer stopHealth()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("relay starting",
		logging.KeyAddress, lc.Address,
		"stream_address", lc.StreamAddress,
		"tls", lc.TLS != nil,
		"auth", len(cfg.Relay.Auth.TokenHashes) > 0,
		"pending_timeout", cfg.Relay.PendingTimeout)

	stats.running.Store(true)
	err = srv.ListenAndServe(ctx, lc)
	stats.running.Store(false)

	logger.Info("relay stopped")
	return err
}

func hostCmd() *cobra.Command {
	var (
		configPath string
		relayURL   string
		root       string
		delivery   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a hidden host",
		Long:  "Connect to a relay and serve a local directory through it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("relay") {
				cfg.Host.RelayURL = relayURL
			}
			if flags.Changed("root") {
				cfg.Host.Root = root
			}
			if flags.Changed("delivery") {
				cfg.Host.Delivery = delivery
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if token := os.Getenv("HOSTRELAY_TOKEN"); token != "" && cfg.Host.Token == "" {
				cfg.Host.Token = token
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.ValidateHost(); err != nil {
				return err
			}

			return runHost(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&relayURL, "relay", "r", "", "Relay URL (default http://localhost:9001)")
	cmd.Flags().StringVarP(&root, "root", "d", "", "Directory to serve (default .)")
	cmd.Flags().StringVar(&delivery, "delivery", "", "Delivery mode: http or stream")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func runHost(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	h := cfg.Host

	provider, err := resource.NewDirProvider(h.Root)
	if err != nil {
		return err
	}

	tlsCfg, err := transport.LoadClientTLS(h.TLS.CA, h.TLS.InsecureSkipVerify)
	if err != nil {
		return err
	}

	publicBase, err := transport.HTTPURL(h.RelayURL)
	if err != nil {
		return err
	}

	agent, err := hiddenhost.New(hiddenhost.Options{
		RelayURL:    h.RelayURL,
		StreamURL:   h.StreamURL,
		Delivery:    h.Delivery,
		Provider:    provider,
		Token:       h.Token,
		UploadRate:  int64(h.UploadRate),
		TLSConfig:   tlsCfg,
		DialTimeout: h.DialTimeout,
		MinDelay:    h.Reconnect.InitialDelay,
		MaxDelay:    h.Reconnect.MaxDelay,
		Factor:      h.Reconnect.Multiplier,
		Jitter:      h.Reconnect.Jitter,
		OnHandshake: func(hostID string) {
			printPublicURL(publicBase, hostID)
		},
		Logger:  logger,
		Metrics: metrics.Default(),
	})
	if err != nil {
		return err
	}

	stats := &hostStats{agent: agent}
	stopHealth, err := startHealth(cfg.Health, stats, logger)
	if err != nil {
		return err
	}
	defer stopHealth()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("hidden host starting",
		"relay", h.RelayURL,
		"root", provider.Root(),
		logging.KeyMode, h.Delivery)

	stats.running.Store(true)
	err = agent.Run(ctx)
	stats.running.Store(false)

	logger.Info("hidden host stopped")
	return err
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Write a relay or hidden host configuration file interactively.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("init requires an interactive terminal")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of a host token",
		Long: `Print the bcrypt hash of a host token for relay.auth.token_hashes.
The token is read from the argument, or from stdin when omitted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(args)
			if err != nil {
				return err
			}
			hash, err := relay.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func genCertCmd() *cobra.Command {
	var (
		certFile   string
		keyFile    string
		commonName string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed relay certificate",
		Long:  "Generate a self-signed certificate and key for testing a TLS relay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := transport.GenerateAndSaveCert(certFile, keyFile, commonName, validFor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nKey:         %s\n", certFile, keyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "relay.crt", "Certificate output file")
	cmd.Flags().StringVar(&keyFile, "key", "relay.key", "Key output file")
	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Certificate common name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate lifetime")

	return cmd
}

func readToken(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func startHealth(cfg config.HealthConfig, provider health.StatsProvider, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	srv := health.NewServer(health.ServerConfig{
		Address:      cfg.Address,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, provider)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}
	logger.Info("health server listening", logging.KeyAddress, srv.Address().String())

	return func() { srv.Stop() }, nil
}

// relayStats reports relay state to the health server.
type relayStats struct {
	srv     *relay.Server
	running atomic.Bool
}

func (r *relayStats) IsRunning() bool { return r.running.Load() }

func (r *relayStats) Stats() health.Stats {
	return health.Stats{
		Role:            "relay",
		Hosts:           r.srv.HostCount(),
		PendingRequests: r.srv.PendingCount(),
	}
}

// hostStats reports hidden host state to the health server.
type hostStats struct {
	agent   *hiddenhost.Agent
	running atomic.Bool
}

func (h *hostStats) IsRunning() bool { return h.running.Load() }

func (h *hostStats) Stats() health.Stats {
	id := h.agent.HostID()
	return health.Stats{
		Role:      "host",
		HostID:    id,
		Connected: id != "",
		InFlight:  h.agent.InFlight(),
	}
}
