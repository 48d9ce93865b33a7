// Package pending correlates inbound requests with the reply sink that
// answers them.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	ErrEmptyRequestID = errors.New("request ID cannot be empty")
	ErrNilReply       = errors.New("reply sink cannot be nil")
)

// Reason says why an entry left the table without being taken.
type Reason int

const (
	ReasonExpired Reason = iota
	ReasonEvicted
	ReasonReplaced
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonEvicted:
		return "evicted"
	case ReasonReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Entry is a stored reply sink.
type Entry struct {
	RequestID string
	PeerID    string
	Reply     wear.ReplyFunc
	StoredAt  time.Time
}

// Dropped describes an entry that was removed without being answered.
type Dropped struct {
	Entry
	Reason Reason
}

// Config holds configuration for a Table
type Config struct {
	TTL      time.Duration
	Capacity int
	// OnDrop is called outside the table lock for every entry removed
	// without being taken.
	OnDrop func(Dropped)
	Now    func() time.Time
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Table maps request ids to one-shot reply sinks. It is bounded by capacity
// and entries expire after the TTL.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
	config  Config
}

// New creates an empty table.
func New(config Config) *Table {
	config.SetDefaults()
	return &Table{
		entries: make(map[string]Entry),
		config:  config,
	}
}

// TTL returns the configured entry lifetime.
func (t *Table) TTL() time.Duration {
	return t.config.TTL
}

// Store records reply as the sink for requestID. Expired entries are swept
// first; if the table is still full its oldest entry is evicted.
func (t *Table) Store(requestID, peerID string, reply wear.ReplyFunc) error {
	if requestID == "" {
		return ErrEmptyRequestID
	}
	if reply == nil {
		return ErrNilReply
	}

	t.mu.Lock()
	now := t.config.Now()
	dropped := t.sweepLocked(now)
	if old, ok := t.entries[requestID]; ok {
		dropped = append(dropped, Dropped{Entry: old, Reason: ReasonReplaced})
		delete(t.entries, requestID)
	}
	if len(t.entries) >= t.config.Capacity {
		if oldest, ok := t.oldestLocked(); ok {
			delete(t.entries, oldest.RequestID)
			dropped = append(dropped, Dropped{Entry: oldest, Reason: ReasonEvicted})
		}
	}
	t.entries[requestID] = Entry{RequestID: requestID, PeerID: peerID, Reply: reply, StoredAt: now}
	t.mu.Unlock()

	t.notify(dropped)
	return nil
}

// Take removes and returns the sink for requestID. An expired entry is
// reported as dropped and not returned.
func (t *Table) Take(requestID string) (Entry, bool) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if !ok {
		t.mu.Unlock()
		return Entry{}, false
	}
	delete(t.entries, requestID)
	expired := t.config.Now().Sub(e.StoredAt) >= t.config.TTL
	t.mu.Unlock()

	if expired {
		t.notify([]Dropped{{Entry: e, Reason: ReasonExpired}})
		return Entry{}, false
	}
	return e, true
}

// Sweep removes every expired entry and returns how many were removed.
func (t *Table) Sweep() int {
	t.mu.Lock()
	dropped := t.sweepLocked(t.config.Now())
	t.mu.Unlock()

	t.notify(dropped)
	return len(dropped)
}

// Run sweeps every interval until ctx ends.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.config.TTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every entry without notifying.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

func (t *Table) sweepLocked(now time.Time) []Dropped {
	var dropped []Dropped
	for id, e := range t.entries {
		if now.Sub(e.StoredAt) >= t.config.TTL {
			delete(t.entries, id)
			dropped = append(dropped, Dropped{Entry: e, Reason: ReasonExpired})
		}
	}
	return dropped
}

func (t *Table) oldestLocked() (Entry, bool) {
	var oldest Entry
	found := false
	for _, e := range t.entries {
		if !found || e.StoredAt.Before(oldest.StoredAt) {
			oldest = e
			found = true
		}
	}
	return oldest, found
}

func (t *Table) notify(dropped []Dropped) {
	if t.config.OnDrop == nil {
		return
	}
	for _, d := range dropped {
		t.config.OnDrop(d)
	}
}
