package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/wearlink-go/internal/config"
	"github.com/rmacdonaldsmith/wearlink-go/internal/latest"
	"github.com/rmacdonaldsmith/wearlink-go/internal/listener"
	"github.com/rmacdonaldsmith/wearlink-go/internal/registry"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

func newListenCommand() *cobra.Command {
	var (
		store     config.StoreConfig
		latestKey string
		count     int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive messages and answer latest-value requests",
		Long: `Run as a background listener. Every received payload is stored as the
latest value for its path, and request_latest is answered from the store.
Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("store") && !cmd.Flags().Changed("store-path") {
				store = cfg.Store
			}
			return runListen(cmd, store, latestKey, count)
		},
	}

	cmd.Flags().StringVar(&store.Driver, "store", "memory", "Latest-value store: memory or sqlite")
	cmd.Flags().StringVar(&store.Path, "store-path", "", "SQLite database path")
	cmd.Flags().StringVar(&latestKey, "latest-key", "", "Path answered by request_latest (default <namespace>/send)")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages (0 runs until interrupted)")

	return cmd
}

func runListen(cmd *cobra.Command, storeCfg config.StoreConfig, latestKey string, count int) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	out := cmd.OutOrStdout()

	store, err := storeCfg.Open()
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := dialRelay()
	if err != nil {
		return err
	}
	defer tr.Close()

	conn, err := newConnection(tr, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := registry.New()
	if err := reg.Register(conn, true); err != nil {
		return err
	}

	ns := cfg.ConnectionConfig().Namespace
	if latestKey == "" {
		latestKey = wear.QualifyPath(ns, wear.TypeSend)
	}
	l, err := listener.New(listener.Config{
		Namespace: ns,
		Provider:  &latest.StoreProvider{Store: store, Key: latestKey},
		Target:    func() (wear.Ingestor, bool) { return reg.Ingestor("") },
		Transport: tr,
		Recorder:  store,
		Logger:    &logger,
	})
	if err != nil {
		return err
	}
	detach := l.Attach(tr)
	defer detach()

	incoming := conn.Incoming(ctx)
	events := conn.Events(ctx)

	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	err = connect(connectCtx, out, conn)
	connectCancel()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "👂 Listening... Press Ctrl+C to stop")

	received := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stopped. Received %d messages.\n", received)
			return nil
		case msg, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			received++
			printMessage(out, received, msg)
			if count > 0 && received >= count {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			printEvent(out, ev)
		}
	}
}

func printMessage(out io.Writer, n int, msg wear.Message) {
	fmt.Fprintf(out, "📨 #%d %s: %s\n", n, msg.Type, string(msg.Payload))
	if msg.ExpectsAck {
		fmt.Fprintf(out, "   (expects reply, request id %s)\n", msg.ID)
	}
}

func printEvent(out io.Writer, ev wear.Event) {
	switch ev.Kind {
	case wear.EventStateChanged:
		fmt.Fprintf(out, "🔄 %s\n", ev.State)
	case wear.EventError:
		fmt.Fprintf(out, "❌ %v\n", ev.Err)
	case wear.EventLog:
		fmt.Fprintf(out, "ℹ️  %s\n", ev.Message)
	}
}
