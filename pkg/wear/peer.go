package wear

import "context"

// PeerInfo describes the paired device on the other end.
type PeerInfo struct {
	ID        string
	Name      string
	Model     string
	OSVersion string
}

// PeerCandidate is one entry in a transport's peer list.
type PeerCandidate struct {
	PeerInfo
	Nearby bool
}

// Frame is the unit a transport moves.
type Frame struct {
	Path          string
	Payload       []byte
	MessageID     string
	CorrelationID string
	ExpectsAck    bool
	TimestampMs   int64
}

// ReplyFunc answers a specific inbound frame. Session transports hand one
// out with every ack-expecting frame.
type ReplyFunc func(ctx context.Context, reply Frame) error

// Inbound is a frame received from PeerID. Reply is nil unless the
// transport has a native reply channel.
type Inbound struct {
	PeerID string
	Frame  Frame
	Reply  ReplyFunc
}

// InboundHandler receives frames from a transport.
type InboundHandler func(Inbound)
