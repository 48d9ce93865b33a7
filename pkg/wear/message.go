package wear

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultNamespace prefixes message paths when a config leaves Namespace empty.
const DefaultNamespace = "/wearlink"

// Reserved message types.
const (
	TypeSend           = "send"
	TypeRequestLatest  = "request_latest"
	TypeResponseLatest = "response_latest"
)

// Message is a single typed message exchanged with the peer.
type Message struct {
	ID            string
	Type          string
	CorrelationID string // empty when the message answers nothing
	Payload       []byte
	ExpectsAck    bool
	TimestampMs   int64
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(msgType string, payload []byte) Message {
	return Message{
		ID:          uuid.NewString(),
		Type:        msgType,
		Payload:     copyBytes(payload),
		TimestampMs: time.Now().UnixMilli(),
	}
}

// NewRequest creates a message that asks the peer for a reply.
func NewRequest(msgType string, payload []byte) Message {
	m := NewMessage(msgType, payload)
	m.ExpectsAck = true
	return m
}

// NewReply creates a message answering requestID.
func NewReply(requestID, msgType string, payload []byte) Message {
	m := NewMessage(msgType, payload)
	m.ID = ReplyID(requestID)
	m.CorrelationID = requestID
	return m
}

// ReplyID is the message id used for the reply to requestID.
func ReplyID(requestID string) string {
	return "resp-" + requestID
}

// Path returns the transport path this message travels on under namespace.
func (m Message) Path(namespace string) string {
	return QualifyPath(namespace, m.Type)
}

// Frame converts the message into its transport representation.
// A zero timestamp is stamped with now.
func (m Message) Frame(namespace string, now time.Time) Frame {
	ts := m.TimestampMs
	if ts == 0 {
		ts = now.UnixMilli()
	}
	return Frame{
		Path:          m.Path(namespace),
		Payload:       copyBytes(m.Payload),
		MessageID:     m.ID,
		CorrelationID: m.CorrelationID,
		ExpectsAck:    m.ExpectsAck,
		TimestampMs:   ts,
	}
}

// QualifyPath maps a message type to its transport path. A type starting
// with "/" is already absolute and is used verbatim.
func QualifyPath(namespace, msgType string) string {
	if strings.HasPrefix(msgType, "/") {
		return msgType
	}
	return namespace + "/" + msgType
}

// MessageFromFrame decodes an inbound frame. Frames without an id get a fresh one.
func MessageFromFrame(namespace string, f Frame) Message {
	id := f.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	ts := f.TimestampMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return Message{
		ID:            id,
		Type:          QualifyPath(namespace, f.Path),
		CorrelationID: f.CorrelationID,
		Payload:       copyBytes(f.Payload),
		ExpectsAck:    f.ExpectsAck,
		TimestampMs:   ts,
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
