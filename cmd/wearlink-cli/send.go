package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

func newSendCommand() *cobra.Command {
	var (
		msgType string
		payload string
		ack     bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect to the peer and send one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, msgType, payload, ack)
		},
	}

	cmd.Flags().StringVar(&msgType, "type", wear.TypeSend, "Message type; joined to the namespace unless it starts with /")
	cmd.Flags().StringVar(&payload, "payload", "", "Message payload")
	cmd.Flags().BoolVar(&ack, "ack", false, "Wait for the peer to answer")

	return cmd
}

func runSend(cmd *cobra.Command, msgType, payload string, ack bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	out := cmd.OutOrStdout()

	tr, err := dialRelay()
	if err != nil {
		return err
	}
	defer tr.Close()

	conn, err := newConnection(tr, false)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := connect(ctx, out, conn); err != nil {
		return err
	}

	msg := wear.NewMessage(msgType, []byte(payload))
	if ack {
		msg = wear.NewRequest(msgType, []byte(payload))
	}
	res := conn.Send(ctx, msg)
	if !res.OK() {
		return fmt.Errorf("send failed: %v", res.Err)
	}

	fmt.Fprintf(out, "📤 %s %s (id %s)\n", res.Status, msg.Path(cfg.ConnectionConfig().Namespace), msg.ID)
	if res.Status == wear.SendAcked {
		fmt.Fprintf(out, "RTT: %s\n", res.RTT)
	}
	return nil
}
