package wear

import (
	"fmt"
	"time"
)

// StateKind tags a ConnectionState.
type StateKind int

const (
	StateIdle StateKind = iota
	StateScanning
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// ConnectionState is the current position in the connection state machine.
type ConnectionState struct {
	Kind    StateKind
	Attempt int      // Connecting, Reconnecting
	Peer    PeerInfo // Connected
	RSSI    *int     // Connected, when the transport reports signal strength
	Reason  DisconnectionState
}

func Idle() ConnectionState     { return ConnectionState{Kind: StateIdle} }
func Scanning() ConnectionState { return ConnectionState{Kind: StateScanning} }

func Connecting(attempt int) ConnectionState {
	return ConnectionState{Kind: StateConnecting, Attempt: attempt}
}

func ConnectedTo(peer PeerInfo) ConnectionState {
	return ConnectionState{Kind: StateConnected, Peer: peer}
}

func Reconnecting(attempt int) ConnectionState {
	return ConnectionState{Kind: StateReconnecting, Attempt: attempt}
}

func Disconnected(reason DisconnectionState) ConnectionState {
	return ConnectionState{Kind: StateDisconnected, Reason: reason}
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnecting, StateReconnecting:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Attempt)
	case StateConnected:
		return fmt.Sprintf("Connected(%s)", s.Peer.ID)
	case StateDisconnected:
		return fmt.Sprintf("Disconnected(%s)", s.Reason)
	default:
		return s.Kind.String()
	}
}

// DisconnectKind tags a DisconnectionState.
type DisconnectKind int

const (
	DisconnectUnknown DisconnectKind = iota
	DisconnectUserInitiated
	DisconnectConnectionLost
	DisconnectPeerDisconnected
	DisconnectTransportUnavailable
	DisconnectPermissionRevoked
	DisconnectTimeout
	DisconnectProtocolError
	DisconnectSystemTerminated
	DisconnectFatal
)

func (k DisconnectKind) String() string {
	switch k {
	case DisconnectUserInitiated:
		return "UserInitiated"
	case DisconnectConnectionLost:
		return "ConnectionLost"
	case DisconnectPeerDisconnected:
		return "PeerDisconnected"
	case DisconnectTransportUnavailable:
		return "TransportUnavailable"
	case DisconnectPermissionRevoked:
		return "PermissionRevoked"
	case DisconnectTimeout:
		return "Timeout"
	case DisconnectProtocolError:
		return "ProtocolError"
	case DisconnectSystemTerminated:
		return "SystemTerminated"
	case DisconnectFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// DisconnectionState says why a link went down.
type DisconnectionState struct {
	Kind       DisconnectKind
	Permission string        // PermissionRevoked
	Operation  string        // Timeout
	Timeout    time.Duration // Timeout
	Detail     string        // ProtocolError
	Err        *Error        // Fatal
}

func Reason(kind DisconnectKind) DisconnectionState {
	return DisconnectionState{Kind: kind}
}

func FatalReason(err *Error) DisconnectionState {
	return DisconnectionState{Kind: DisconnectFatal, Err: err}
}

// ReasonFor maps a connect or transport failure to the disconnect reason it
// implies.
func ReasonFor(err *Error) DisconnectionState {
	if err == nil {
		return Reason(DisconnectUnknown)
	}
	switch err.Kind {
	case KindTimeout:
		return DisconnectionState{Kind: DisconnectTimeout, Operation: err.Operation, Timeout: err.Timeout}
	case KindPermissionMissing:
		return DisconnectionState{Kind: DisconnectPermissionRevoked, Permission: err.Permission}
	case KindBluetoothOff:
		return Reason(DisconnectTransportUnavailable)
	case KindPeerNotFound:
		return Reason(DisconnectPeerDisconnected)
	case KindProtocol:
		return DisconnectionState{Kind: DisconnectProtocolError, Detail: err.Detail}
	case KindPairingRequired:
		return FatalReason(err)
	default:
		return Reason(DisconnectConnectionLost)
	}
}

// IsFatal reports whether retrying is known to be futile. Auto-reconnect
// never runs after a fatal disconnect.
func (d DisconnectionState) IsFatal() bool {
	return d.Kind == DisconnectFatal
}

func (d DisconnectionState) String() string {
	switch d.Kind {
	case DisconnectPermissionRevoked:
		return fmt.Sprintf("PermissionRevoked(%s)", d.Permission)
	case DisconnectTimeout:
		return fmt.Sprintf("Timeout(%s, %s)", d.Operation, d.Timeout)
	case DisconnectProtocolError:
		return fmt.Sprintf("ProtocolError(%s)", d.Detail)
	case DisconnectFatal:
		return fmt.Sprintf("Fatal(%v)", d.Err)
	default:
		return d.Kind.String()
	}
}
