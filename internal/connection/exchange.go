package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/wearlink-go/internal/broadcast"
	"github.com/rmacdonaldsmith/wearlink-go/internal/pending"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// exchange owns the message side of a connection: the two broadcast hubs,
// the pending-reply table, ack waiters and traffic counters.
type exchange struct {
	namespace string
	log       zerolog.Logger
	now       func() time.Time

	events   *broadcast.Hub[wear.Event]
	incoming *broadcast.Hub[wear.Message]
	pending  *pending.Table

	ackMu sync.Mutex
	acks  map[string]chan wear.Message

	statsMu sync.Mutex
	stats   wear.ConnectionMetrics

	stop context.CancelFunc
}

func newExchange(opts Options, log zerolog.Logger) *exchange {
	x := &exchange{
		namespace: opts.Config.Namespace,
		log:       log,
		now:       opts.Now,
		events:    broadcast.New[wear.Event](opts.BufferCapacity),
		incoming:  broadcast.New[wear.Message](opts.BufferCapacity),
		acks:      make(map[string]chan wear.Message),
	}
	x.pending = pending.New(pending.Config{
		TTL:      opts.PendingTTL,
		Capacity: opts.PendingCapacity,
		Now:      opts.Now,
		OnDrop:   x.pendingDropped,
	})

	ctx, cancel := context.WithCancel(context.Background())
	x.stop = cancel
	go x.pending.Run(ctx, 0)
	return x
}

func (x *exchange) close() {
	x.stop()
	x.pending.Clear()
	x.events.Close()
	x.incoming.Close()
}

func (x *exchange) emit(ev wear.Event) {
	x.events.Publish(ev)
}

func (x *exchange) emitState(s wear.ConnectionState) {
	x.log.Debug().Str("state", s.String()).Msg("connection state changed")
	x.emit(wear.StateEvent(s))
}

func (x *exchange) emitLog(format string, args ...any) {
	ev := wear.LogEvent(format, args...)
	x.log.Info().Msg(ev.Message)
	x.emit(ev)
}

func (x *exchange) emitPeer(p wear.PeerInfo) {
	x.emit(wear.PeerUpdatedEvent(p))
}

// fail records err and publishes it as an Error event.
func (x *exchange) fail(err *wear.Error) {
	x.statsMu.Lock()
	x.stats.LastError = err
	x.statsMu.Unlock()

	x.log.Warn().Str("kind", err.Kind.String()).Err(err).Msg("connection error")
	x.emit(wear.ErrorEvent(err))
}

func (x *exchange) sendFailed(err *wear.Error) wear.SendResult {
	x.fail(err)
	return wear.SendFailure(err)
}

func (x *exchange) pendingDropped(d pending.Dropped) {
	x.log.Warn().
		Str("request_id", d.RequestID).
		Str("peer_id", d.PeerID).
		Str("reason", d.Reason.String()).
		Msg("pending reply dropped")
	x.emit(wear.ErrorEvent(wear.Timeout(fmt.Sprintf("reply %s (%s)", d.RequestID, d.Reason), x.pending.TTL())))
}

// deliver decodes an inbound frame, records a reply sink for ack-expecting
// frames and publishes the message. fallback builds a sink when the
// transport supplied none.
func (x *exchange) deliver(in wear.Inbound, fallback func(peerID string) wear.ReplyFunc) {
	msg := wear.MessageFromFrame(x.namespace, in.Frame)

	x.statsMu.Lock()
	x.stats.ReceivedCount++
	x.stats.LastSeen = x.now()
	x.statsMu.Unlock()

	if msg.CorrelationID != "" {
		x.resolveAck(msg)
	}

	if msg.ExpectsAck {
		requestID := in.Frame.MessageID
		if requestID == "" {
			requestID = uuid.NewString()
		}
		reply := in.Reply
		if reply == nil {
			reply = fallback(in.PeerID)
		}
		if err := x.pending.Store(requestID, in.PeerID, reply); err != nil {
			x.fail(wear.Protocol(err.Error()))
		}
		msg.ID = requestID
		msg.CorrelationID = requestID
	}

	x.log.Debug().
		Str("peer_id", in.PeerID).
		Str("path", in.Frame.Path).
		Str("message_id", msg.ID).
		Bool("expects_ack", msg.ExpectsAck).
		Msg("message received")
	x.incoming.Publish(msg)
}

// takeReply claims the sink for requestID.
func (x *exchange) takeReply(requestID string) (pending.Entry, *wear.Error) {
	entry, ok := x.pending.Take(requestID)
	if !ok {
		return pending.Entry{}, wear.TransportFailure(0, "no pending reply for "+requestID)
	}
	return entry, nil
}

func (x *exchange) replyFrame(requestID, msgType string, payload []byte) wear.Frame {
	return wear.NewReply(requestID, msgType, payload).Frame(x.namespace, x.now())
}

// expectAck registers interest in the reply to id.
func (x *exchange) expectAck(id string) (<-chan wear.Message, func()) {
	ch := make(chan wear.Message, 1)
	x.ackMu.Lock()
	x.acks[id] = ch
	x.ackMu.Unlock()
	return ch, func() {
		x.ackMu.Lock()
		delete(x.acks, id)
		x.ackMu.Unlock()
	}
}

func (x *exchange) resolveAck(msg wear.Message) {
	x.ackMu.Lock()
	ch, ok := x.acks[msg.CorrelationID]
	if ok {
		delete(x.acks, msg.CorrelationID)
	}
	x.ackMu.Unlock()
	if ok {
		ch <- msg
	}
}

// awaitAck waits up to timeout for the reply registered by expectAck.
func (x *exchange) awaitAck(ctx context.Context, ch <-chan wear.Message, started time.Time, timeout time.Duration) wear.SendResult {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		rtt := x.now().Sub(started)
		x.statsMu.Lock()
		x.stats.LastRTT = rtt
		x.statsMu.Unlock()
		return wear.Acked(rtt)
	case <-timer.C:
		return x.sendFailed(wear.Timeout("ack", timeout))
	case <-ctx.Done():
		return x.sendFailed(contextError("ack", ctx.Err()))
	}
}

func (x *exchange) recordSent() {
	x.statsMu.Lock()
	x.stats.SentCount++
	x.statsMu.Unlock()
}

func (x *exchange) metrics() wear.ConnectionMetrics {
	x.statsMu.Lock()
	m := x.stats
	x.statsMu.Unlock()
	m.DroppedEvents = x.events.Dropped()
	m.DroppedMessages = x.incoming.Dropped()
	m.PendingReplies = x.pending.Len()
	return m
}
