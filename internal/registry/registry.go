// Package registry keeps live connections addressable by id.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	ErrNotFound       = errors.New("no connection registered")
	ErrNilConnection  = errors.New("connection cannot be nil")
	ErrNoDefaultEntry = fmt.Errorf("%w: no default connection", ErrNotFound)
)

// Registry maps connection ids to connections and tracks a default. It
// holds references only; closing connections stays with the caller.
type Registry struct {
	mu        sync.RWMutex
	conns     map[wear.ConnectionID]wear.Connection
	order     []wear.ConnectionID
	defaultID wear.ConnectionID
}

// New creates an empty registry
func New() *Registry {
	return &Registry{conns: make(map[wear.ConnectionID]wear.Connection)}
}

// Register adds conn, replacing any connection with the same id. The first
// registered connection becomes the default unless another one is
// registered with asDefault.
func (r *Registry) Register(conn wear.Connection, asDefault bool) error {
	if conn == nil {
		return ErrNilConnection
	}
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; !exists {
		r.order = append(r.order, id)
	}
	r.conns[id] = conn
	if asDefault || r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// Get returns the connection registered under id.
func (r *Registry) Get(id wear.ConnectionID) (wear.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w for id=%s", ErrNotFound, id)
	}
	return conn, nil
}

// Default returns the default connection.
func (r *Registry) Default() (wear.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultID == "" {
		return nil, ErrNoDefaultEntry
	}
	return r.conns[r.defaultID], nil
}

// DefaultID returns the id of the default connection, or "" if none.
func (r *Registry) DefaultID() wear.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// All returns the registered connections in registration order.
func (r *Registry) All() []wear.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]wear.Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// Unregister removes id and reports whether it was present. Removing the
// default promotes the earliest remaining connection.
func (r *Registry) Unregister(id wear.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.defaultID == id {
		r.defaultID = ""
		if len(r.order) > 0 {
			r.defaultID = r.order[0]
		}
	}
	return true
}

// Ingestor resolves id to a connection that accepts listener hand-offs.
func (r *Registry) Ingestor(id wear.ConnectionID) (wear.Ingestor, bool) {
	var (
		conn wear.Connection
		err  error
	)
	if id == "" {
		conn, err = r.Default()
	} else {
		conn, err = r.Get(id)
	}
	if err != nil {
		return nil, false
	}
	ing, ok := conn.(wear.Ingestor)
	return ing, ok
}
