// Package latest answers "latest value" requests from the paired peer.
package latest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("no value stored")

// Request describes a latest-value request received from a peer.
type Request struct {
	PeerID    string
	RequestID string
	Payload   []byte
}

// Provider produces the payload sent back for a request.
type Provider interface {
	Latest(ctx context.Context, req Request) ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) ([]byte, error)

func (f ProviderFunc) Latest(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// DefaultPayload is what Static answers with when given nothing.
var DefaultPayload = []byte("latest:ok")

// Static always answers with payload.
func Static(payload []byte) Provider {
	if payload == nil {
		payload = DefaultPayload
	}
	return ProviderFunc(func(context.Context, Request) ([]byte, error) {
		return payload, nil
	})
}

// Record is one stored value.
type Record struct {
	Key       string
	PeerID    string
	Payload   []byte
	UpdatedAt time.Time
}

// Store keeps the newest payload per key.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, key string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// StoreProvider answers from a Store. A request payload names the key to
// look up; an empty payload falls back to Key. Missing values are answered
// with Fallback.
type StoreProvider struct {
	Store    Store
	Key      string
	Fallback []byte
}

func (p *StoreProvider) Latest(ctx context.Context, req Request) ([]byte, error) {
	key := p.Key
	if len(req.Payload) > 0 {
		key = string(req.Payload)
	}
	rec, err := p.Store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		if p.Fallback != nil {
			return p.Fallback, nil
		}
		return DefaultPayload, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Payload, nil
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	rec.Payload = append([]byte(nil), rec.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
