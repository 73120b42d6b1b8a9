// Command relay runs the frame relay server: the public-facing process
// that brokers websocket connections between home agents and browser
// clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/frameworks/frame-relay/pkg/audit"
	"github.com/frameworks/frame-relay/pkg/health"
	"github.com/frameworks/frame-relay/pkg/identity"
	"github.com/frameworks/frame-relay/pkg/observability"
	"github.com/frameworks/frame-relay/pkg/relay"
)

var (
	version   = "dev"
	gitCommit string
)

// relayConfig is parsed from the environment with caarlos0/env; cobra
// flags take precedence when explicitly set.
type relayConfig struct {
	ListenAddr        string        `env:"FRAMERELAY_LISTEN_ADDR" envDefault:":8088"`
	HealthAddr        string        `env:"FRAMERELAY_HEALTH_ADDR" envDefault:""`
	HealthPort        int           `env:"FRAMERELAY_HEALTH_PORT" envDefault:"8089"`
	HeartbeatInterval time.Duration `env:"FRAMERELAY_HEARTBEAT_INTERVAL" envDefault:"30s"`
	AuditDir          string        `env:"FRAMERELAY_AUDIT_DIR" envDefault:"./data/audit"`
	TLSCertFile       string        `env:"FRAMERELAY_TLS_CERT"`
	TLSKeyFile        string        `env:"FRAMERELAY_TLS_KEY"`
	Debug             bool          `env:"FRAMERELAY_DEBUG" envDefault:"false"`
}

func newRootCmd() *cobra.Command {
	var cfg relayConfig

	root := &cobra.Command{
		Use:          "relay",
		Short:        "Run the frame relay server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			listen, debug := cfg.ListenAddr, cfg.Debug
			if err := env.Parse(&cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), cfg)
		},
	}

	root.Flags().StringVar(&cfg.ListenAddr, "listen", "", "override FRAMERELAY_LISTEN_ADDR")
	root.Flags().BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("relay %s (git: %s)\n", version, gitCommit)
			return nil
		},
	}
}

func runRelay(ctx context.Context, cfg relayConfig) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	auditStore := audit.NewFileStore(cfg.AuditDir)
	metrics := observability.NewRelayMetrics()

	// Development default: a fixed token->user map. Production deployments
	// supply a real identity.Verifier implementation at this seam.
	verifier := identity.NewMemoryVerifier(map[string]string{})

	relayCfg := relay.Config{
		ListenAddr:        cfg.ListenAddr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AuditStore:        auditStore,
		Metrics:           metrics,
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		relayCfg.TLS = &relay.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile}
	}
	srv := relay.NewServer(relayCfg, verifier, logger)

	healthSrv := health.NewServer(healthHost(cfg.HealthAddr), cfg.HealthPort)
	healthSrv.SetReady(true)
	go func() {
		if err := healthSrv.Start(); err != nil {
			logger.Warn("health server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down relay server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = healthSrv.Stop(shutdownCtx)
		return srv.Stop(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func healthHost(addr string) string {
	if addr == "" {
		return "0.0.0.0"
	}
	return addr
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
