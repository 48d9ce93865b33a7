// Package wear provides the contract for exchanging short messages between a
// companion device and a paired wearable.
//
// This package defines the core abstractions shared by every transport:
//   - Connection: lifecycle, send, reply and broadcast streams for one peer
//   - Transport: the byte-moving capability a platform plugs in underneath
//   - Message, Event, ConnectionState: the data model flowing through both
//   - Error, ConnectionResult, SendResult: the typed result vocabulary
//
// Three transport personalities sit behind the same Connection contract:
//   - message bus: a node list plus fire-and-forget message sends
//   - session: activation, reachability flapping and native reply handles
//   - context sync: store-and-forward where the latest value per path wins
//
// The interfaces use Go idioms:
//   - context.Context for cancellation and timeouts
//   - Channels for event and message subscriptions
//   - Typed results instead of panics for every operation outcome
//   - io.Closer for resource cleanup
//
// Example usage:
//
//	conn, err := factory.Create(wear.ConnectionConfig{ID: "watch", Namespace: "/testClient"})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	events := conn.Events(ctx)
//	incoming := conn.Incoming(ctx)
//
//	if res := conn.Connect(ctx, wear.DefaultPolicy()); !res.OK() {
//		return res.Err
//	}
//
//	msg := wear.NewMessage("ping", []byte("hello from watch"))
//	if res := conn.Send(ctx, msg); res.Status == wear.SendFailed {
//		return res.Err
//	}
//
//	for {
//		select {
//		case m := <-incoming:
//			if m.ExpectsAck {
//				conn.OnReceived(ctx, m.ID, "pong", m.Payload)
//			}
//		case ev := <-events:
//			log.Println(ev)
//		case <-ctx.Done():
//			return ctx.Err()
//		}
//	}
package wear
