package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/wearlink-go/internal/broadcast"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	ErrNilTransport            = errors.New("transport cannot be nil")
	ErrContextUpdaterRequired  = errors.New("transport does not support context updates")
	ErrInvalidConnectionConfig = errors.New("invalid connection config")
)

// Options holds configuration shared by every connection variant
type Options struct {
	Config    wear.ConnectionConfig
	Transport wear.Transport
	Logger    *zerolog.Logger

	// BufferCapacity is the per-subscriber buffer of Events and Incoming.
	BufferCapacity int
	// PendingTTL bounds how long an inbound request waits for OnReceived.
	PendingTTL time.Duration
	// PendingCapacity bounds the number of unanswered inbound requests.
	PendingCapacity int
	// ScanInterval is the pause between empty peer lookups while connecting.
	ScanInterval time.Duration
	// DetachedInbound leaves inbound delivery to an external listener
	// calling Ingest; the connection registers no handler of its own.
	DetachedInbound bool
	// Now is the clock, replaced in tests.
	Now func() time.Time
}

// SetDefaults sets sensible default values for unset configuration fields
func (o *Options) SetDefaults() {
	o.Config.SetDefaults()
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = broadcast.DefaultCapacity
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = 30 * time.Second
	}
	if o.PendingCapacity <= 0 {
		o.PendingCapacity = 256
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 100 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Validate checks if the options are usable
func (o *Options) Validate() error {
	if o.Transport == nil {
		return ErrNilTransport
	}
	if err := o.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConnectionConfig, err)
	}
	return nil
}
