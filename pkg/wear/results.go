package wear

import (
	"fmt"
	"time"
)

// TransportType names the transport personality that carried a connection.
type TransportType int

const (
	TransportUnknown TransportType = iota
	TransportMessageBus
	TransportSession
	TransportContextSync
)

func (t TransportType) String() string {
	switch t {
	case TransportMessageBus:
		return "message-bus"
	case TransportSession:
		return "session"
	case TransportContextSync:
		return "context-sync"
	default:
		return "unknown"
	}
}

// ParseTransportType is the inverse of TransportType.String.
func ParseTransportType(s string) (TransportType, error) {
	switch s {
	case "message-bus":
		return TransportMessageBus, nil
	case "session":
		return TransportSession, nil
	case "context-sync":
		return TransportContextSync, nil
	default:
		return TransportUnknown, fmt.Errorf("unknown transport type %q", s)
	}
}

// ConnectOutcome tags a ConnectionResult.
type ConnectOutcome int

const (
	ConnectSucceeded ConnectOutcome = iota
	ConnectFailed
	ConnectCancelled
)

// ConnectionResult is the outcome of Connect.
type ConnectionResult struct {
	Outcome ConnectOutcome

	// Success
	Peer          PeerInfo
	NegotiatedMTU int // zero when the transport does not report one
	Transport     TransportType

	// Failure
	Err       *Error
	Retryable bool
}

// Connected builds a successful result.
func Connected(peer PeerInfo, mtu int, transport TransportType) ConnectionResult {
	return ConnectionResult{Outcome: ConnectSucceeded, Peer: peer, NegotiatedMTU: mtu, Transport: transport}
}

// Failed builds a failure result.
func Failed(err *Error, retryable bool) ConnectionResult {
	return ConnectionResult{Outcome: ConnectFailed, Err: err, Retryable: retryable}
}

// Cancelled builds a cancelled result.
func Cancelled() ConnectionResult {
	return ConnectionResult{Outcome: ConnectCancelled}
}

// OK reports whether the connect succeeded.
func (r ConnectionResult) OK() bool {
	return r.Outcome == ConnectSucceeded
}

func (r ConnectionResult) String() string {
	switch r.Outcome {
	case ConnectSucceeded:
		return fmt.Sprintf("Success(peer=%s, transport=%s)", r.Peer.ID, r.Transport)
	case ConnectFailed:
		return fmt.Sprintf("Failure(%v, retryable=%t)", r.Err, r.Retryable)
	default:
		return "Cancelled"
	}
}

// SendStatus tags a SendResult.
type SendStatus int

const (
	SendSent SendStatus = iota
	SendFailed
	SendAcked
)

func (s SendStatus) String() string {
	switch s {
	case SendSent:
		return "Sent"
	case SendFailed:
		return "Failed"
	case SendAcked:
		return "Acked"
	default:
		return "Unknown"
	}
}

// SendResult is the outcome of Send and OnReceived.
type SendResult struct {
	Status SendStatus
	Err    *Error
	RTT    time.Duration
}

// Sent reports the transport accepted the message.
func Sent() SendResult {
	return SendResult{Status: SendSent}
}

// SendFailure reports the send did not happen.
func SendFailure(err *Error) SendResult {
	return SendResult{Status: SendFailed, Err: err}
}

// Acked reports the peer confirmed the message after rtt.
func Acked(rtt time.Duration) SendResult {
	return SendResult{Status: SendAcked, RTT: rtt}
}

// OK reports whether the message left this device.
func (r SendResult) OK() bool {
	return r.Status != SendFailed
}

func (r SendResult) String() string {
	switch r.Status {
	case SendFailed:
		return fmt.Sprintf("Failed(%v)", r.Err)
	case SendAcked:
		return fmt.Sprintf("Acked(%s)", r.RTT)
	default:
		return r.Status.String()
	}
}
