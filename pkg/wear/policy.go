package wear

import (
	"errors"
	"time"
)

// ConnectionPolicy controls connect bounds and reconnect behaviour.
type ConnectionPolicy struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	Backoff              []time.Duration
	ScanTimeout          time.Duration
	ConnectTimeout       time.Duration
	AckTimeout           time.Duration
}

// DefaultBackoff is the reconnect delay schedule used when none is set.
func DefaultBackoff() []time.Duration {
	return []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
}

// DefaultPolicy returns the policy used when callers have no preference.
func DefaultPolicy() ConnectionPolicy {
	return ConnectionPolicy{
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		Backoff:              DefaultBackoff(),
		ScanTimeout:          15 * time.Second,
		ConnectTimeout:       10 * time.Second,
		AckTimeout:           5 * time.Second,
	}
}

// SetDefaults fills unset bounds. AutoReconnect and MaxReconnectAttempts are
// taken as given.
func (p *ConnectionPolicy) SetDefaults() {
	if len(p.Backoff) == 0 {
		p.Backoff = DefaultBackoff()
	}
	if p.ScanTimeout <= 0 {
		p.ScanTimeout = 15 * time.Second
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = 10 * time.Second
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = 5 * time.Second
	}
}

// Validate checks if the policy is usable
func (p *ConnectionPolicy) Validate() error {
	if p.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts cannot be negative")
	}
	for _, d := range p.Backoff {
		if d < 0 {
			return errors.New("backoff delays cannot be negative")
		}
	}
	return nil
}

// BackoffFor returns the delay before the given 1-based reconnect attempt.
// Attempts beyond the schedule reuse its last entry.
func (p ConnectionPolicy) BackoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}
