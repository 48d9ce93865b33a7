package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/wearlink-go/internal/config"
	"github.com/rmacdonaldsmith/wearlink-go/internal/factory"
	"github.com/rmacdonaldsmith/wearlink-go/internal/reconnect"
	"github.com/rmacdonaldsmith/wearlink-go/internal/transport/relay"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	// Global flags
	configPath   string
	relayAddr    string
	token        string
	connectionID string
	namespace    string
	timeout      time.Duration
	logLevel     string

	// Resolved by initialize
	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wearlink-cli",
		Short: "Talk to a paired wearable through a wearlink relay",
		Long: `wearlink-cli pairs devices with a relay, lists reachable peers, sends
messages and runs a background listener that answers latest-value requests.`,
		PersistentPreRunE:  initialize,
		PersistentPostRunE: finalize,
		SilenceUsage:       true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&relayAddr, "relay", "", "Relay address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("WEARLINK_TOKEN"), "Pairing token (or WEARLINK_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&connectionID, "connection-id", "", "Local connection ID (overrides config)")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "", "Message path namespace (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall command timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(newPairCommand())
	rootCmd.AddCommand(newPeersCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newListenCommand())
	rootCmd.AddCommand(newLatestCommand())

	return rootCmd
}

// initialize resolves configuration and logging for every subcommand
func initialize(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	loaded := config.LoadDefaultConfig()
	if configPath != "" {
		var err error
		if loaded, err = config.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if relayAddr != "" {
		loaded.Relay.Address = relayAddr
	}
	if token != "" {
		loaded.Relay.Token = token
	}
	if connectionID != "" {
		loaded.Connection.ID = connectionID
	}
	if namespace != "" {
		loaded.Connection.Namespace = namespace
	}
	if cmd.Flags().Changed("log-level") || configPath == "" {
		loaded.Log.Level = logLevel
	}
	loaded.Log.Component = "wearlink-cli"
	if err := loaded.Validate(); err != nil {
		return err
	}

	l, closer, err := config.SetupLogger(loaded.Log)
	if err != nil {
		return err
	}
	cfg, logger, logCloser = loaded, l, closer
	return nil
}

func finalize(cmd *cobra.Command, args []string) error {
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

// dialRelay creates the relay transport for the configured device token
func dialRelay() (*relay.Transport, error) {
	if cfg.Relay.Token == "" {
		return nil, fmt.Errorf("pairing token is required - run 'wearlink-cli pair' on the relay host or pass --token")
	}
	return relay.Dial(relay.Config{
		Address: cfg.Relay.Address,
		Token:   cfg.Relay.Token,
		Logger:  &logger,
	})
}

// newConnection builds the configured connection variant over t
func newConnection(t wear.Transport, detached bool) (wear.Connection, error) {
	kind, err := cfg.TransportType()
	if err != nil {
		return nil, err
	}
	defaults := cfg.ConnectionOptions(nil)
	defaults.DetachedInbound = detached

	f := factory.New()
	err = f.Init(factory.Platform{
		Kind:      kind,
		Transport: func(wear.ConnectionConfig) (wear.Transport, error) { return t, nil },
		Logger:    &logger,
		Defaults:  defaults,
	})
	if err != nil {
		return nil, err
	}
	return f.Create(cfg.ConnectionConfig())
}

// connect runs the first connect with the configured retry schedule
func connect(ctx context.Context, out io.Writer, conn wear.Connection) error {
	policy := cfg.ConnectionPolicy()
	res := reconnect.ConnectWithRetry(ctx, reconnect.Config{
		Policy:  policy,
		Connect: func(ctx context.Context) wear.ConnectionResult { return conn.Connect(ctx, policy) },
		Logger:  &logger,
	})
	if !res.OK() {
		return fmt.Errorf("connect failed: %v", res)
	}
	fmt.Fprintf(out, "✅ Connected to %s via %s\n", peerLabel(res.Peer), res.Transport)
	return nil
}

func peerLabel(p wear.PeerInfo) string {
	if p.Name != "" {
		return fmt.Sprintf("%s (%s)", p.Name, p.ID)
	}
	return p.ID
}
