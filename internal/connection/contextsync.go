package connection

import (
	"context"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// ContextSyncConnection sends every message as a store-and-forward context
// update. The transport keeps only the newest frame per path for a peer
// that has not picked it up yet.
type ContextSyncConnection struct {
	l       *link
	updater wear.ContextUpdater
}

var (
	_ wear.Connection = (*ContextSyncConnection)(nil)
	_ wear.Ingestor   = (*ContextSyncConnection)(nil)
)

// NewContextSync creates a context-sync connection. The transport must
// implement wear.ContextUpdater.
func NewContextSync(opts Options) (*ContextSyncConnection, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	updater, ok := opts.Transport.(wear.ContextUpdater)
	if !ok {
		return nil, ErrContextUpdaterRequired
	}
	c := &ContextSyncConnection{l: newLink(opts, wear.TransportContextSync), updater: updater}
	c.l.withSupervisor(c.Connect)
	return c, nil
}

func (c *ContextSyncConnection) ID() wear.ConnectionID {
	return c.l.id
}

func (c *ContextSyncConnection) Connect(ctx context.Context, policy wear.ConnectionPolicy) wear.ConnectionResult {
	policy.SetDefaults()
	return c.l.gate.do(ctx, func(ctx context.Context) wear.ConnectionResult {
		if res, ok := c.l.begin(ctx, policy); !ok {
			return res
		}
		defer c.l.lock.unlock()

		c.l.attach(c.handleInbound)
		cand, werr := c.l.prepare(ctx, policy)
		if werr != nil {
			return c.l.connectFailed(ctx, werr)
		}
		return c.l.established(cand.PeerInfo, policy, 0, wear.TransportContextSync)
	})
}

func (c *ContextSyncConnection) Disconnect(ctx context.Context) bool {
	return c.l.disconnect(ctx, c.l.deactivate)
}

func (c *ContextSyncConnection) Send(ctx context.Context, msg wear.Message) wear.SendResult {
	return c.l.send(ctx, msg, func(ctx context.Context, msg wear.Message) wear.SendResult {
		return c.l.transmitVia(ctx, msg, c.update)
	})
}

// OnReceived answers with a context update carrying the request id as its
// correlation id.
func (c *ContextSyncConnection) OnReceived(ctx context.Context, requestID, msgType string, payload []byte) wear.SendResult {
	return c.l.reply(ctx, requestID, msgType, payload)
}

func (c *ContextSyncConnection) Events(ctx context.Context) <-chan wear.Event {
	return c.l.x.events.Subscribe(ctx)
}

func (c *ContextSyncConnection) Incoming(ctx context.Context) <-chan wear.Message {
	return c.l.x.incoming.Subscribe(ctx)
}

func (c *ContextSyncConnection) Metrics() wear.ConnectionMetrics {
	return c.l.x.metrics()
}

// Ingest accepts a frame from a background listener.
func (c *ContextSyncConnection) Ingest(in wear.Inbound) {
	c.l.ingest(in, c.replyTo)
}

func (c *ContextSyncConnection) Close() error {
	c.l.close(c.Disconnect)
	return nil
}

func (c *ContextSyncConnection) handleInbound(in wear.Inbound) {
	// Context deliveries carry no native reply handle.
	in.Reply = nil
	c.l.x.deliver(in, c.replyTo)
}

func (c *ContextSyncConnection) update(ctx context.Context, peerID string, f wear.Frame) *wear.Error {
	if err := safeCall(func() error { return c.updater.UpdateContext(ctx, peerID, f) }); err != nil {
		return wear.AsError(err)
	}
	return nil
}

func (c *ContextSyncConnection) replyTo(peerID string) wear.ReplyFunc {
	return func(ctx context.Context, f wear.Frame) error {
		if werr := c.update(ctx, peerID, f); werr != nil {
			return werr
		}
		return nil
	}
}
