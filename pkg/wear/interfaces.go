package wear

import (
	"context"
	"io"
	"time"
)

// Connection manages a link to a single paired peer.
//
// Every operation reports its outcome as a typed result; none of them panic
// on transport failure. Events and Incoming are broadcast subscriptions: each
// call observes values published after it returns, buffered up to 64 entries
// with the oldest dropped on overflow.
type Connection interface {
	io.Closer

	// ID returns the registry key of this connection.
	ID() ConnectionID

	// Connect establishes the link. Concurrent calls share one attempt.
	Connect(ctx context.Context, policy ConnectionPolicy) ConnectionResult

	// Disconnect releases the link. Calling it again is harmless.
	Disconnect(ctx context.Context) bool

	// Send transmits msg to the current peer.
	Send(ctx context.Context, msg Message) SendResult

	// OnReceived answers the inbound request requestID. Each request can be
	// answered once.
	OnReceived(ctx context.Context, requestID, msgType string, payload []byte) SendResult

	// Events subscribes to lifecycle events until ctx ends.
	Events(ctx context.Context) <-chan Event

	// Incoming subscribes to inbound messages until ctx ends.
	Incoming(ctx context.Context) <-chan Message

	// Metrics returns a snapshot of traffic counters.
	Metrics() ConnectionMetrics
}

// Ingestor accepts frames that arrived outside the connection's own
// transport registration, such as from a background listener.
type Ingestor interface {
	Ingest(in Inbound)
}

// Transport is the platform capability that moves bytes between devices.
type Transport interface {
	// Activate prepares the transport and blocks until it is usable.
	Activate(ctx context.Context) error

	// ResolvePeers lists the devices currently known to the transport.
	ResolvePeers(ctx context.Context) ([]PeerCandidate, error)

	// SendBytes delivers frame to peerID.
	SendBytes(ctx context.Context, peerID string, frame Frame) error

	// OnBytesReceived registers handler for inbound frames.
	OnBytesReceived(handler InboundHandler) (cancel func())

	// Reachable reports whether a live send would currently reach the peer.
	Reachable() bool
}

// ContextUpdater is implemented by transports with store-and-forward
// delivery. Only the latest frame per path is kept for an absent peer.
type ContextUpdater interface {
	UpdateContext(ctx context.Context, peerID string, frame Frame) error
}

// Deactivator is implemented by transports that hold an activation to release.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// LinkEventKind tags a LinkEvent.
type LinkEventKind int

const (
	LinkReachable LinkEventKind = iota
	LinkUnreachable
	LinkLost
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkReachable:
		return "reachable"
	case LinkUnreachable:
		return "unreachable"
	case LinkLost:
		return "lost"
	default:
		return "unknown"
	}
}

// LinkEvent reports a change in the transport's link to its peer.
type LinkEvent struct {
	Kind   LinkEventKind
	Reason DisconnectionState // LinkLost
}

// LinkNotifier is implemented by transports that report reachability and
// link loss.
type LinkNotifier interface {
	OnLinkEvent(fn func(LinkEvent)) (cancel func())
}

// ConnectionMetrics summarises the traffic of one connection.
type ConnectionMetrics struct {
	LastSeen        time.Time
	LastRTT         time.Duration
	SentCount       uint64
	ReceivedCount   uint64
	DroppedEvents   uint64
	DroppedMessages uint64
	PendingReplies  int
	LastError       *Error
}
