package wear

import (
	"fmt"
	"time"
)

// EventKind tags an Event.
type EventKind int

const (
	EventPeerUpdated EventKind = iota
	EventError
	EventLog
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventPeerUpdated:
		return "PeerUpdated"
	case EventError:
		return "Error"
	case EventLog:
		return "Log"
	case EventStateChanged:
		return "ConnectionStateChanged"
	default:
		return "Unknown"
	}
}

// Event is a lifecycle notification published by a connection.
type Event struct {
	Kind    EventKind
	Peer    PeerInfo        // PeerUpdated
	Err     *Error          // Error
	Message string          // Log
	State   ConnectionState // ConnectionStateChanged
	At      time.Time
}

func PeerUpdatedEvent(peer PeerInfo) Event {
	return Event{Kind: EventPeerUpdated, Peer: peer, At: time.Now()}
}

func ErrorEvent(err *Error) Event {
	return Event{Kind: EventError, Err: err, At: time.Now()}
}

func LogEvent(format string, args ...any) Event {
	return Event{Kind: EventLog, Message: fmt.Sprintf(format, args...), At: time.Now()}
}

func StateEvent(state ConnectionState) Event {
	return Event{Kind: EventStateChanged, State: state, At: time.Now()}
}

func (e Event) String() string {
	switch e.Kind {
	case EventPeerUpdated:
		return fmt.Sprintf("PeerUpdated(%s)", e.Peer.ID)
	case EventError:
		return fmt.Sprintf("Error(%v)", e.Err)
	case EventLog:
		return fmt.Sprintf("Log(%s)", e.Message)
	case EventStateChanged:
		return fmt.Sprintf("ConnectionStateChanged(%s)", e.State)
	default:
		return e.Kind.String()
	}
}
