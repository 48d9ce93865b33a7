// Package factory builds connections for the platform the process runs on.
package factory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/wearlink-go/internal/connection"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	ErrNotInitialized     = errors.New("factory not initialized: call Init before Create")
	ErrNoTransportBuilder = errors.New("platform has no transport builder")
	ErrUnknownKind        = errors.New("unknown transport kind")
)

// TransportBuilder returns the transport a new connection should use.
type TransportBuilder func(cfg wear.ConnectionConfig) (wear.Transport, error)

// Platform is the environment-specific context handed to Init.
type Platform struct {
	Kind      wear.TransportType
	Transport TransportBuilder
	Logger    *zerolog.Logger
	// Defaults seeds the options of every connection; Config, Transport
	// and Logger are overwritten per connection.
	Defaults connection.Options
}

// Validate checks if the platform is usable
func (p *Platform) Validate() error {
	if p.Transport == nil {
		return ErrNoTransportBuilder
	}
	switch p.Kind {
	case wear.TransportMessageBus, wear.TransportSession, wear.TransportContextSync:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, p.Kind)
	}
}

// Factory creates connections once it has been initialized with a platform.
type Factory struct {
	mu       sync.RWMutex
	platform *Platform
}

// New creates an uninitialized factory
func New() *Factory {
	return &Factory{}
}

// Init stores the platform context. Calling it again replaces the platform
// for subsequent Create calls.
func (f *Factory) Init(p Platform) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.platform = &p
	return nil
}

// Initialized reports whether Init has succeeded.
func (f *Factory) Initialized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.platform != nil
}

// Create builds a connection for cfg using the platform's transport kind.
func (f *Factory) Create(cfg wear.ConnectionConfig) (wear.Connection, error) {
	f.mu.RLock()
	p := f.platform
	f.mu.RUnlock()
	if p == nil {
		return nil, ErrNotInitialized
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", connection.ErrInvalidConnectionConfig, err)
	}
	transport, err := p.Transport(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport for %s: %w", cfg.ID, err)
	}

	opts := p.Defaults
	opts.Config = cfg
	opts.Transport = transport
	opts.Logger = p.Logger

	var conn wear.Connection
	switch p.Kind {
	case wear.TransportMessageBus:
		c, err := connection.NewMessageBus(opts)
		if err != nil {
			return nil, err
		}
		conn = c
	case wear.TransportSession:
		c, err := connection.NewSession(opts)
		if err != nil {
			return nil, err
		}
		conn = c
	default:
		c, err := connection.NewContextSync(opts)
		if err != nil {
			return nil, err
		}
		conn = c
	}
	return conn, nil
}
