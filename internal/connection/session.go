package connection

import (
	"context"
	"sync/atomic"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// SessionConnection speaks to a transport with an activated session whose
// peer may flap between reachable and unreachable. Live sends are used while
// the peer is reachable. Otherwise frames go through the transport's
// store-and-forward context when it has one.
type SessionConnection struct {
	l         *link
	activated atomic.Bool
	updater   wear.ContextUpdater // nil when the transport has no context channel
}

var (
	_ wear.Connection = (*SessionConnection)(nil)
	_ wear.Ingestor   = (*SessionConnection)(nil)
)

// NewSession creates a session connection.
func NewSession(opts Options) (*SessionConnection, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &SessionConnection{l: newLink(opts, wear.TransportSession)}
	c.updater, _ = opts.Transport.(wear.ContextUpdater)
	c.l.withSupervisor(c.Connect)
	return c, nil
}

func (c *SessionConnection) ID() wear.ConnectionID {
	return c.l.id
}

func (c *SessionConnection) Connect(ctx context.Context, policy wear.ConnectionPolicy) wear.ConnectionResult {
	policy.SetDefaults()
	return c.l.gate.do(ctx, func(ctx context.Context) wear.ConnectionResult {
		if res, ok := c.l.begin(ctx, policy); !ok {
			return res
		}
		defer c.l.lock.unlock()

		// Register before activating so nothing delivered during activation is lost.
		c.l.attach(c.handleInbound)
		cand, werr := c.l.prepare(ctx, policy)
		if werr != nil {
			return c.l.connectFailed(ctx, werr)
		}
		c.activated.Store(true)
		c.l.x.emitLog("session activated, reachable=%t", c.l.transport.Reachable())
		return c.l.established(cand.PeerInfo, policy, 0, wear.TransportSession)
	})
}

func (c *SessionConnection) Disconnect(ctx context.Context) bool {
	return c.l.disconnect(ctx, func(ctx context.Context) error {
		c.activated.Store(false)
		return c.l.deactivate(ctx)
	})
}

func (c *SessionConnection) Send(ctx context.Context, msg wear.Message) wear.SendResult {
	return c.l.send(ctx, msg, func(ctx context.Context, msg wear.Message) wear.SendResult {
		if !c.activated.Load() {
			if werr := activate(ctx, c.l.transport, c.l.currentPolicy().ConnectTimeout); werr != nil {
				return c.l.x.sendFailed(werr)
			}
			c.activated.Store(true)
		}
		return c.l.transmitVia(ctx, msg, c.route)
	})
}

func (c *SessionConnection) OnReceived(ctx context.Context, requestID, msgType string, payload []byte) wear.SendResult {
	return c.l.reply(ctx, requestID, msgType, payload)
}

func (c *SessionConnection) Events(ctx context.Context) <-chan wear.Event {
	return c.l.x.events.Subscribe(ctx)
}

func (c *SessionConnection) Incoming(ctx context.Context) <-chan wear.Message {
	return c.l.x.incoming.Subscribe(ctx)
}

func (c *SessionConnection) Metrics() wear.ConnectionMetrics {
	return c.l.x.metrics()
}

// Ingest accepts a frame from a background listener.
func (c *SessionConnection) Ingest(in wear.Inbound) {
	c.l.ingest(in, c.replyTo)
}

func (c *SessionConnection) Close() error {
	c.l.close(c.Disconnect)
	return nil
}

func (c *SessionConnection) handleInbound(in wear.Inbound) {
	c.l.x.deliver(in, c.replyTo)
}

// route sends live when the peer is reachable and falls back to a context
// update when it is not or when the live send fails.
func (c *SessionConnection) route(ctx context.Context, peerID string, f wear.Frame) *wear.Error {
	if c.l.transport.Reachable() {
		err := safeCall(func() error { return c.l.transport.SendBytes(ctx, peerID, f) })
		if err == nil {
			return nil
		}
		if c.updater == nil {
			return wear.AsError(err)
		}
		c.l.x.emitLog("live send of %s failed, queued as context update: %v", f.Path, err)
	} else if c.updater == nil {
		return wear.TransportFailure(0, "peer "+peerID+" is not reachable")
	}

	if err := safeCall(func() error { return c.updater.UpdateContext(ctx, peerID, f) }); err != nil {
		return wear.AsError(err)
	}
	return nil
}

func (c *SessionConnection) replyTo(peerID string) wear.ReplyFunc {
	return func(ctx context.Context, f wear.Frame) error {
		if werr := c.route(ctx, peerID, f); werr != nil {
			return werr
		}
		return nil
	}
}
