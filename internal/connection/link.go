package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/wearlink-go/internal/reconnect"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// link carries the lifecycle plumbing every variant composes: writer lock,
// connect coalescing, peer slot, transport registrations and the reconnect
// supervisor. Variants supply the transport-specific steps.
type link struct {
	id        wear.ConnectionID
	opts      Options
	transport wear.Transport
	log       zerolog.Logger
	x         *exchange

	lock   writerLock
	gate   connectGate
	peer   peerSlot
	policy atomic.Pointer[wear.ConnectionPolicy]
	super  *reconnect.Supervisor

	regMu         sync.Mutex
	cancelInbound func()
	cancelLink    func()
	connected     bool

	closeOnce sync.Once
}

func newLink(opts Options, kind wear.TransportType) *link {
	log := opts.Logger.With().
		Str("component", "connection").
		Str("conn_id", string(opts.Config.ID)).
		Str("transport", kind.String()).
		Logger()

	l := &link{
		id:        opts.Config.ID,
		opts:      opts,
		transport: opts.Transport,
		log:       log,
		x:         newExchange(opts, log),
		lock:      newWriterLock(),
	}
	p := wear.DefaultPolicy()
	l.policy.Store(&p)
	return l
}

// withSupervisor wires the reconnect loop to the variant's Connect.
func (l *link) withSupervisor(connect func(ctx context.Context, p wear.ConnectionPolicy) wear.ConnectionResult) {
	l.super = reconnect.NewSupervisor(reconnect.Config{
		Policy: l.currentPolicy(),
		Connect: func(ctx context.Context) wear.ConnectionResult {
			return connect(ctx, l.currentPolicy())
		},
		OnState: l.x.emitState,
		Logger:  &l.log,
	})
}

func (l *link) currentPolicy() wear.ConnectionPolicy {
	return *l.policy.Load()
}

// begin takes the writer lock for a connect attempt. Waiting for it is
// bounded by the policy's connect and scan timeouts; on expiry the attempt
// fails with a retryable Timeout.
func (l *link) begin(ctx context.Context, policy wear.ConnectionPolicy) (wear.ConnectionResult, bool) {
	bound := policy.ConnectTimeout + policy.ScanTimeout
	lctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	if err := l.lock.lock(lctx); err != nil {
		if ctx.Err() != nil {
			return wear.Cancelled(), false
		}
		werr := wear.Timeout("connect", bound).WithCause(err)
		l.x.fail(werr)
		return wear.Failed(werr, true), false
	}
	l.policy.Store(&policy)
	l.x.emitState(wear.Scanning())
	return wear.ConnectionResult{}, true
}

// prepare activates the transport and resolves the peer.
func (l *link) prepare(ctx context.Context, policy wear.ConnectionPolicy) (wear.PeerCandidate, *wear.Error) {
	if werr := activate(ctx, l.transport, policy.ConnectTimeout); werr != nil {
		return wear.PeerCandidate{}, werr
	}
	return resolvePeer(ctx, l.transport, policy.ScanTimeout, l.opts.ScanInterval)
}

// ensurePeer returns the cached peer id, resolving one if none is cached.
func (l *link) ensurePeer(ctx context.Context) (string, *wear.Error) {
	if id := l.peer.get().ID; id != "" {
		return id, nil
	}
	cand, werr := resolvePeer(ctx, l.transport, l.currentPolicy().ScanTimeout, l.opts.ScanInterval)
	if werr != nil {
		return "", werr
	}
	l.peer.set(cand.PeerInfo)
	return cand.ID, nil
}

// attach registers the inbound handler and link listener once.
func (l *link) attach(onInbound wear.InboundHandler) {
	l.regMu.Lock()
	defer l.regMu.Unlock()
	if l.cancelInbound == nil && !l.opts.DetachedInbound {
		l.cancelInbound = l.transport.OnBytesReceived(onInbound)
	}
	if notifier, ok := l.transport.(wear.LinkNotifier); ok && l.cancelLink == nil {
		l.cancelLink = notifier.OnLinkEvent(l.onLinkEvent)
	}
}

// established records a successful connect and announces it.
func (l *link) established(peer wear.PeerInfo, policy wear.ConnectionPolicy, mtu int, kind wear.TransportType) wear.ConnectionResult {
	l.peer.set(peer)
	l.regMu.Lock()
	l.connected = true
	l.regMu.Unlock()
	l.super.SetPolicy(policy)

	l.log.Info().Str("peer_id", peer.ID).Str("peer_name", peer.Name).Msg("connected")
	l.x.emitPeer(peer)
	l.x.emitState(wear.ConnectedTo(peer))
	return wear.Connected(peer, mtu, kind)
}

// connectFailed reports a failed attempt, or Cancelled if the caller gave up.
func (l *link) connectFailed(ctx context.Context, werr *wear.Error) wear.ConnectionResult {
	if ctx.Err() != nil {
		return wear.Cancelled()
	}
	l.x.fail(werr)
	l.x.emitState(wear.Disconnected(wear.ReasonFor(werr)))
	return wear.Failed(werr, werr.Retryable())
}

func (l *link) onLinkEvent(ev wear.LinkEvent) {
	switch ev.Kind {
	case wear.LinkReachable, wear.LinkUnreachable:
		l.x.emitLog("peer %s", ev.Kind)
	case wear.LinkLost:
		l.regMu.Lock()
		wasConnected := l.connected
		l.connected = false
		l.regMu.Unlock()
		if !wasConnected {
			return
		}
		l.peer.clear()
		l.x.emitLog("link lost: %s", ev.Reason)
		l.super.LinkLost(ev.Reason)
	}
}

// disconnect stops reconnecting and releases the transport registrations.
// It reports whether every release step succeeded.
func (l *link) disconnect(ctx context.Context, onRelease func(ctx context.Context) error) bool {
	l.super.Stop()
	if err := l.lock.lock(ctx); err != nil {
		return false
	}
	defer l.lock.unlock()

	l.regMu.Lock()
	cancelInbound, cancelLink := l.cancelInbound, l.cancelLink
	l.cancelInbound, l.cancelLink = nil, nil
	wasConnected := l.connected
	l.connected = false
	l.regMu.Unlock()

	ok := true
	for _, cancel := range []func(){cancelInbound, cancelLink} {
		if cancel == nil {
			continue
		}
		if err := safeCall(func() error { cancel(); return nil }); err != nil {
			l.x.fail(wear.AsError(err))
			ok = false
		}
	}
	if wasConnected && onRelease != nil {
		if err := safeCall(func() error { return onRelease(ctx) }); err != nil {
			l.x.fail(wear.AsError(err))
			ok = false
		}
	}

	l.peer.clear()
	if wasConnected {
		l.x.emitLog("disconnected")
		l.x.emitState(wear.Disconnected(wear.Reason(wear.DisconnectUserInitiated)))
	}
	return ok
}

// deactivate is the release step for transports holding an activation.
func (l *link) deactivate(ctx context.Context) error {
	if d, ok := l.transport.(wear.Deactivator); ok {
		return d.Deactivate(ctx)
	}
	return nil
}

// send runs transmit and, for ack-expecting messages, waits for the
// correlated reply.
func (l *link) send(ctx context.Context, msg wear.Message, transmit func(ctx context.Context, msg wear.Message) wear.SendResult) wear.SendResult {
	if !msg.ExpectsAck {
		return transmit(ctx, msg)
	}
	started := l.x.now()
	ch, cancel := l.x.expectAck(msg.ID)
	defer cancel()
	if res := transmit(ctx, msg); !res.OK() {
		return res
	}
	return l.x.awaitAck(ctx, ch, started, l.currentPolicy().AckTimeout)
}

// transmitVia sends msg to the current peer through deliver while holding the
// writer lock.
func (l *link) transmitVia(ctx context.Context, msg wear.Message, deliver func(ctx context.Context, peerID string, f wear.Frame) *wear.Error) wear.SendResult {
	if err := l.lock.lock(ctx); err != nil {
		return l.x.sendFailed(contextError("send", err))
	}
	defer l.lock.unlock()

	peerID, werr := l.ensurePeer(ctx)
	if werr != nil {
		return l.x.sendFailed(werr)
	}
	frame := msg.Frame(l.x.namespace, l.x.now())
	if werr := deliver(ctx, peerID, frame); werr != nil {
		return l.x.sendFailed(werr)
	}

	l.x.recordSent()
	l.log.Debug().Str("peer_id", peerID).Str("path", frame.Path).Str("message_id", frame.MessageID).Msg("message sent")
	return wear.Sent()
}

// reply answers requestID through its pending sink.
func (l *link) reply(ctx context.Context, requestID, msgType string, payload []byte) wear.SendResult {
	if err := l.lock.lock(ctx); err != nil {
		return l.x.sendFailed(contextError("reply", err))
	}
	defer l.lock.unlock()

	entry, werr := l.x.takeReply(requestID)
	if werr != nil {
		return wear.SendFailure(werr)
	}

	frame := l.x.replyFrame(requestID, msgType, payload)
	if err := safeCall(func() error { return entry.Reply(ctx, frame) }); err != nil {
		return l.x.sendFailed(wear.AsError(err))
	}
	l.x.recordSent()
	l.log.Debug().Str("request_id", requestID).Str("path", frame.Path).Msg("reply sent")
	return wear.Sent()
}

// ingest delivers a frame handed over by a background listener and retargets
// the connection at its origin peer.
func (l *link) ingest(in wear.Inbound, fallback func(peerID string) wear.ReplyFunc) {
	if in.PeerID != "" {
		l.peer.setID(in.PeerID)
	}
	l.x.deliver(in, fallback)
}

func (l *link) close(disconnect func(ctx context.Context) bool) {
	l.closeOnce.Do(func() {
		disconnect(context.Background())
		l.x.close()
	})
}
