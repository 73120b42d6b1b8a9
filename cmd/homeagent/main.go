// Command homeagent runs the home agent: the process that lives next to
// a developer's container engine, owns frame lifecycle via the
// supervisor, and maintains an outbound tunnel connection to a relay
// server.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/frameworks/frame-relay/pkg/container"
	"github.com/frameworks/frame-relay/pkg/frame"
	"github.com/frameworks/frame-relay/pkg/identity"
	"github.com/frameworks/frame-relay/pkg/supervisor"
	"github.com/frameworks/frame-relay/pkg/template"
	"github.com/frameworks/frame-relay/pkg/tui"
	"github.com/frameworks/frame-relay/pkg/tunnel"
)

var (
	version   = "dev"
	gitCommit string
)

// homeAgentConfig is parsed from the environment with caarlos0/env.
type homeAgentConfig struct {
	RelayURL       string `env:"FRAMERELAY_RELAY_URL" envDefault:"wss://localhost:8088/tunnel"`
	ServerID       string `env:"FRAMERELAY_SERVER_ID,required"`
	ServerName     string `env:"FRAMERELAY_SERVER_NAME" envDefault:""`
	PrivateKeyHex  string `env:"FRAMERELAY_PRIVATE_KEY"`
	Image          string `env:"FRAMERELAY_IMAGE" envDefault:"framerelay/frame:latest"`
	AuxRoot        string `env:"FRAMERELAY_AUX_ROOT" envDefault:"./data/aux"`
	CredentialPath string `env:"FRAMERELAY_CREDENTIAL_PATH" envDefault:""`
	TemplatesDir   string `env:"FRAMERELAY_TEMPLATES_DIR" envDefault:"./templates"`
	UserTemplates  string `env:"FRAMERELAY_USER_TEMPLATES_DIR" envDefault:""`
	PortRangeStart int    `env:"FRAMERELAY_PORT_RANGE_START" envDefault:"33000"`
	PortRangeEnd   int    `env:"FRAMERELAY_PORT_RANGE_END" envDefault:"34000"`
	Debug          bool   `env:"FRAMERELAY_DEBUG" envDefault:"false"`

	frame.StoreConfig
}

// ed25519Signer implements tunnel.Signer over a loaded private key.
type ed25519Signer struct {
	priv ed25519.PrivateKey
}

func (s ed25519Signer) Sign(serverID string, timestamp int64) (string, error) {
	if len(s.priv) == 0 {
		return "", fmt.Errorf("no private key configured for signed auth")
	}
	return identity.Sign(s.priv, serverID, timestamp), nil
}

func newRootCmd() *cobra.Command {
	var cfg homeAgentConfig
	var dashboard bool

	root := &cobra.Command{
		Use:          "homeagent",
		Short:        "Run the frame relay home agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			relayURL, debug := cfg.RelayURL, cfg.Debug
			if err := env.Parse(&cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("relay-url") {
				cfg.RelayURL = relayURL
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHomeAgent(cmd.Context(), cfg, dashboard)
		},
	}

	root.Flags().StringVar(&cfg.RelayURL, "relay-url", "", "override FRAMERELAY_RELAY_URL")
	root.Flags().BoolVar(&dashboard, "dashboard", false, "show the live frame status TUI instead of logging to stderr")
	root.Flags().BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the home agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("homeagent %s (git: %s)\n", version, gitCommit)
			return nil
		},
	}
}

func runHomeAgent(ctx context.Context, cfg homeAgentConfig, dashboard bool) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logOut := io.Writer(os.Stderr)
	if dashboard {
		logOut = io.Discard
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	store, err := frame.NewStore(cfg.StoreConfig, logger)
	if err != nil {
		return fmt.Errorf("build frame store: %w", err)
	}

	engine, err := container.Detect(logger)
	if err != nil {
		return fmt.Errorf("detect container runtime: %w", err)
	}

	loader := template.NewLoader(cfg.TemplatesDir, cfg.UserTemplates, logger)

	sup, err := supervisor.New(ctx, supervisor.Config{
		Store:                   store,
		PortRangeStart:          cfg.PortRangeStart,
		PortRangeEnd:            cfg.PortRangeEnd,
		Engine:                  engine,
		Templates:               loader,
		Image:                   cfg.Image,
		AuxRoot:                 cfg.AuxRoot,
		CredentialHostPath:      cfg.CredentialPath,
		CredentialContainerPath: supervisor.DefaultCredentialContainerPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	if err := sup.Reconcile(ctx); err != nil {
		logger.Warn("startup reconciliation encountered errors", "error", err)
	}

	var signer ed25519Signer
	if cfg.PrivateKeyHex != "" {
		raw, err := hex.DecodeString(cfg.PrivateKeyHex)
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			return fmt.Errorf("invalid FRAMERELAY_PRIVATE_KEY: must be a hex-encoded ed25519 private key")
		}
		signer = ed25519Signer{priv: ed25519.PrivateKey(raw)}
	}

	serverName := cfg.ServerName
	if serverName == "" {
		if host, err := os.Hostname(); err == nil {
			serverName = host
		}
	}

	client := tunnel.New(tunnel.Config{
		RelayURL:   cfg.RelayURL,
		ServerID:   cfg.ServerID,
		ServerName: serverName,
		Signer:     signer,
	}, sup, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go client.Run(ctx)

	if dashboard {
		if err := tui.RunFrameDashboard(sup); err != nil {
			return fmt.Errorf("dashboard exited: %w", err)
		}
		stop()
		return nil
	}

	<-ctx.Done()
	logger.Info("shutting down home agent")
	client.Disconnect()
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
