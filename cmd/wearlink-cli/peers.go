package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/wearlink-go/internal/connection"
)

func newPeersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List devices paired with the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tr, err := dialRelay()
			if err != nil {
				return err
			}
			defer tr.Close()

			peers, err := tr.ResolvePeers(ctx)
			if err != nil {
				return fmt.Errorf("failed to list peers: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "No peers paired")
				return nil
			}
			picked, _ := connection.PickPeer(peers)
			fmt.Fprintf(out, "Found %d peer(s):\n", len(peers))
			for _, p := range peers {
				marker := " "
				if p.ID == picked.ID {
					marker = "*"
				}
				state := "away"
				if p.Nearby {
					state = "nearby"
				}
				fmt.Fprintf(out, "%s %-20s %-8s %s %s\n", marker, p.ID, state, p.Model, p.OSVersion)
			}
			return nil
		},
	}
}
