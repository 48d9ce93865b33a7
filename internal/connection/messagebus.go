package connection

import (
	"context"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// MessageBusConnection speaks to a transport that exposes a node list and
// fire-and-forget message sends. Replies have no native channel and are
// sent back to the origin node as ordinary messages.
type MessageBusConnection struct {
	l *link
}

var (
	_ wear.Connection = (*MessageBusConnection)(nil)
	_ wear.Ingestor   = (*MessageBusConnection)(nil)
)

// NewMessageBus creates a message-bus connection.
func NewMessageBus(opts Options) (*MessageBusConnection, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &MessageBusConnection{l: newLink(opts, wear.TransportMessageBus)}
	c.l.withSupervisor(c.Connect)
	return c, nil
}

func (c *MessageBusConnection) ID() wear.ConnectionID {
	return c.l.id
}

func (c *MessageBusConnection) Connect(ctx context.Context, policy wear.ConnectionPolicy) wear.ConnectionResult {
	policy.SetDefaults()
	return c.l.gate.do(ctx, func(ctx context.Context) wear.ConnectionResult {
		if res, ok := c.l.begin(ctx, policy); !ok {
			return res
		}
		defer c.l.lock.unlock()

		cand, werr := c.l.prepare(ctx, policy)
		if werr != nil {
			return c.l.connectFailed(ctx, werr)
		}
		c.l.attach(c.handleInbound)
		return c.l.established(cand.PeerInfo, policy, 0, wear.TransportMessageBus)
	})
}

func (c *MessageBusConnection) Disconnect(ctx context.Context) bool {
	return c.l.disconnect(ctx, c.l.deactivate)
}

func (c *MessageBusConnection) Send(ctx context.Context, msg wear.Message) wear.SendResult {
	return c.l.send(ctx, msg, func(ctx context.Context, msg wear.Message) wear.SendResult {
		return c.l.transmitVia(ctx, msg, c.sendBytes)
	})
}

func (c *MessageBusConnection) OnReceived(ctx context.Context, requestID, msgType string, payload []byte) wear.SendResult {
	return c.l.reply(ctx, requestID, msgType, payload)
}

func (c *MessageBusConnection) Events(ctx context.Context) <-chan wear.Event {
	return c.l.x.events.Subscribe(ctx)
}

func (c *MessageBusConnection) Incoming(ctx context.Context) <-chan wear.Message {
	return c.l.x.incoming.Subscribe(ctx)
}

func (c *MessageBusConnection) Metrics() wear.ConnectionMetrics {
	return c.l.x.metrics()
}

// Ingest accepts a frame from a background listener.
func (c *MessageBusConnection) Ingest(in wear.Inbound) {
	c.l.ingest(in, c.replyTo)
}

func (c *MessageBusConnection) Close() error {
	c.l.close(c.Disconnect)
	return nil
}

func (c *MessageBusConnection) handleInbound(in wear.Inbound) {
	c.l.x.deliver(in, c.replyTo)
}

func (c *MessageBusConnection) sendBytes(ctx context.Context, peerID string, f wear.Frame) *wear.Error {
	if err := safeCall(func() error { return c.l.transport.SendBytes(ctx, peerID, f) }); err != nil {
		return wear.AsError(err)
	}
	return nil
}

// replyTo builds a sink that answers by messaging the origin node.
func (c *MessageBusConnection) replyTo(peerID string) wear.ReplyFunc {
	return func(ctx context.Context, f wear.Frame) error {
		if werr := c.sendBytes(ctx, peerID, f); werr != nil {
			return werr
		}
		return nil
	}
}
