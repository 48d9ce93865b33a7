package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/wearlink-go/internal/transport/relay"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

func newPairCommand() *cobra.Command {
	var (
		secret string
		device wear.PeerInfo
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Issue a pairing token for a device",
		Long: `Issue a pairing token signed with the relay secret. Run this on the relay
host and hand the token to the device; every relay call presents it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = cfg.Relay.Secret
			}
			if secret == "" {
				return fmt.Errorf("secret is required")
			}

			tok, expiresAt, err := relay.NewPairingAuth(secret, cfg.Relay.TokenTTL).IssueToken(device)
			if err != nil {
				return fmt.Errorf("pairing failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Paired %s\n", peerLabel(device))
			fmt.Fprintf(out, "Token: %s\n", tok)
			fmt.Fprintf(out, "Expires: %s\n", expiresAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "\nSave it for later commands:\n")
			fmt.Fprintf(out, "  export WEARLINK_TOKEN=\"%s\"\n", tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Relay pairing secret (defaults to config)")
	cmd.Flags().StringVar(&device.ID, "device", "", "Device ID to pair (required)")
	cmd.Flags().StringVar(&device.Name, "name", "", "Device display name")
	cmd.Flags().StringVar(&device.Model, "model", "", "Device model")
	cmd.Flags().StringVar(&device.OSVersion, "os-version", "", "Device OS version")
	if err := cmd.MarkFlagRequired("device"); err != nil {
		panic(fmt.Sprintf("Failed to mark device as required: %v", err))
	}

	return cmd
}
