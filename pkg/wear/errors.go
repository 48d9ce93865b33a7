package wear

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind identifies one member of the closed set of connection errors.
type ErrorKind int

const (
	KindPermissionMissing ErrorKind = iota
	KindBluetoothOff
	KindPeerNotFound
	KindPairingRequired
	KindTimeout
	KindTransportFailure
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionMissing:
		return "PermissionMissing"
	case KindBluetoothOff:
		return "BluetoothOff"
	case KindPeerNotFound:
		return "PeerNotFound"
	case KindPairingRequired:
		return "PairingRequired"
	case KindTimeout:
		return "Timeout"
	case KindTransportFailure:
		return "TransportFailure"
	case KindProtocol:
		return "Protocol"
	default:
		return "Unknown"
	}
}

// Error is the typed failure reported by connections and transports.
// Only the fields relevant to Kind are populated.
type Error struct {
	Kind ErrorKind

	// Permission names the missing permission (KindPermissionMissing).
	Permission string
	// Operation names what timed out (KindTimeout).
	Operation string
	// Timeout is the bound that elapsed (KindPeerNotFound, KindTimeout).
	Timeout time.Duration
	// Code is a transport-specific failure code; zero means absent.
	Code int
	// Detail is free-form context.
	Detail string

	cause error
}

// PermissionMissing reports that a runtime permission has not been granted.
func PermissionMissing(permission string) *Error {
	return &Error{Kind: KindPermissionMissing, Permission: permission}
}

// BluetoothOff reports that the radio is disabled.
func BluetoothOff(detail string) *Error {
	return &Error{Kind: KindBluetoothOff, Detail: detail}
}

// PeerNotFound reports that no peer could be resolved within timeout.
func PeerNotFound(timeout time.Duration) *Error {
	return &Error{Kind: KindPeerNotFound, Timeout: timeout}
}

// PairingRequired reports that the devices are not paired or the pairing was rejected.
func PairingRequired(detail string) *Error {
	return &Error{Kind: KindPairingRequired, Detail: detail}
}

// Timeout reports that operation did not complete within timeout.
func Timeout(operation string, timeout time.Duration) *Error {
	return &Error{Kind: KindTimeout, Operation: operation, Timeout: timeout}
}

// TransportFailure reports a failure inside the transport. Code zero means no code.
func TransportFailure(code int, detail string) *Error {
	return &Error{Kind: KindTransportFailure, Code: code, Detail: detail}
}

// Protocol reports a malformed or unexpected exchange.
func Protocol(detail string) *Error {
	return &Error{Kind: KindProtocol, Detail: detail}
}

// AsError converts err into a *Error. A *Error anywhere in the chain is
// returned as is; anything else is wrapped as a TransportFailure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return &Error{Kind: KindTransportFailure, Detail: err.Error(), cause: err}
}

// WithCause attaches the underlying error, preserving it for errors.Is/As.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// Retryable reports whether a caller could reasonably try again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindPeerNotFound, KindTimeout, KindTransportFailure, KindBluetoothOff:
		return true
	default:
		return false
	}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindPermissionMissing:
		return fmt.Sprintf("permission missing: %s", e.Permission)
	case KindPeerNotFound:
		return fmt.Sprintf("peer not found within %s", e.Timeout)
	case KindTimeout:
		return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
	case KindTransportFailure:
		if e.Code != 0 {
			return fmt.Sprintf("transport failure (code %d): %s", e.Code, e.Detail)
		}
		return fmt.Sprintf("transport failure: %s", e.Detail)
	default:
		if e.Detail == "" {
			return e.Kind.String()
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, &wear.Error{Kind: wear.KindPeerNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsKind reports whether err carries a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Kind == kind
}
