package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/wearlink-go/internal/config"
	"github.com/rmacdonaldsmith/wearlink-go/internal/transport/relay"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

const (
	// Application info
	appName    = "wearlink-relay"
	appVersion = "0.1.0"
)

type options struct {
	configPath  string
	listen      string
	secret      string
	logLevel    string
	showVersion bool
	pair        string
	pairName    string
	pairModel   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to YAML config file (optional)")
	fs.StringVar(&o.listen, "listen", "", "Listen address (overrides config)")
	fs.StringVar(&o.secret, "secret", os.Getenv("WEARLINK_RELAY_SECRET"), "Pairing secret (or WEARLINK_RELAY_SECRET)")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level (overrides config)")
	fs.BoolVar(&o.showVersion, "version", false, "Show version and exit")
	fs.StringVar(&o.pair, "pair", "", "Issue a pairing token for this device ID and exit")
	fs.StringVar(&o.pairName, "pair-name", "", "Display name embedded in the pairing token")
	fs.StringVar(&o.pairModel, "pair-model", "", "Device model embedded in the pairing token")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

// loadConfig merges flags over the file (or default) configuration.
func loadConfig(o options) (*config.Config, error) {
	cfg := config.LoadDefaultConfig()
	if o.configPath != "" {
		loaded, err := config.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.listen != "" {
		cfg.Relay.Listen = o.listen
	}
	if o.secret != "" {
		cfg.Relay.Secret = o.secret
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if cfg.Log.Component == "" || cfg.Log.Component == "wearlink" {
		cfg.Log.Component = appName
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	if o.showVersion {
		fmt.Fprintf(stdout, "%s v%s\n", appName, appVersion)
		return nil
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	logger, closer, err := config.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv, err := relay.NewServer(relay.ServerConfig{
		Secret:    cfg.Relay.Secret,
		TokenTTL:  cfg.Relay.TokenTTL,
		QueueSize: cfg.Relay.QueueSize,
		Logger:    &logger,
	})
	if err != nil {
		return fmt.Errorf("invalid relay configuration: %w", err)
	}

	if o.pair != "" {
		token, expiresAt, err := srv.Auth().IssueToken(wear.PeerInfo{ID: o.pair, Name: o.pairName, Model: o.pairModel})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Token: %s\nExpires: %s\n", token, expiresAt.Format(time.RFC3339))
		return nil
	}

	lis, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Relay.Listen, err)
	}
	return serve(ctx, srv, lis, logger)
}

// serve runs the relay on lis until ctx ends, then stops gracefully.
func serve(ctx context.Context, srv *relay.Server, lis net.Listener, logger zerolog.Logger) error {
	gs := grpc.NewServer()
	srv.Register(gs)

	logger.Info().Str("version", appVersion).Str("listen", lis.Addr().String()).Msg("relay starting")

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("relay stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down gracefully")
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("graceful stop timed out, forcing")
		gs.Stop()
	}

	delivered, dropped := srv.Stats()
	logger.Info().Uint64("delivered", delivered).Uint64("dropped", dropped).Msg("relay stopped")
	return nil
}
