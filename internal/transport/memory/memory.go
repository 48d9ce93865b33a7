// Package memory provides an in-process transport where endpoints joined to
// the same Medium exchange frames directly. It supports all optional
// transport capabilities and exposes knobs to simulate reachability changes,
// link loss, slow activation and failing sends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// Medium is the shared space endpoints join.
type Medium struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	order     []string
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{endpoints: make(map[string]*Endpoint)}
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithNativeReplies hands every ack-expecting inbound frame a reply function,
// as session transports do.
func WithNativeReplies() Option {
	return func(e *Endpoint) { e.nativeReplies = true }
}

// WithActivationDelay makes Activate take d.
func WithActivationDelay(d time.Duration) Option {
	return func(e *Endpoint) { e.activationDelay = d }
}

// WithLogger sets the endpoint logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(e *Endpoint) { e.log = l.With().Str("component", "memory-transport").Logger() }
}

// Join adds a device to the medium. Joining with an existing id replaces it.
func (m *Medium) Join(info wear.PeerInfo, opts ...Option) *Endpoint {
	e := &Endpoint{
		medium:    m,
		info:      info,
		log:       zerolog.Nop(),
		reachable: true,
		nearby:    true,
		handlers:  make(map[int]wear.InboundHandler),
		linkFns:   make(map[int]func(wear.LinkEvent)),
		queued:    make(map[string]wear.Inbound),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("node_id", info.ID).Logger()

	m.mu.Lock()
	if _, exists := m.endpoints[info.ID]; !exists {
		m.order = append(m.order, info.ID)
	}
	m.endpoints[info.ID] = e
	m.mu.Unlock()
	return e
}

// Leave removes a device from the medium.
func (m *Medium) Leave(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Medium) lookup(id string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[id]
	return e, ok
}

func (m *Medium) others(id string) []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, o := range m.order {
		if o != id {
			out = append(out, m.endpoints[o])
		}
	}
	return out
}

// Delivery records a frame an endpoint handed to the medium.
type Delivery struct {
	To      string
	Frame   wear.Frame
	Context bool
}

// Endpoint is one device on a Medium. It implements wear.Transport,
// wear.ContextUpdater, wear.Deactivator and wear.LinkNotifier.
type Endpoint struct {
	medium *Medium
	info   wear.PeerInfo
	log    zerolog.Logger

	nativeReplies   bool
	activationDelay time.Duration

	mu          sync.Mutex
	active      bool
	reachable   bool
	nearby      bool
	activateErr error
	sendErr     error
	activations int
	handlers    map[int]wear.InboundHandler
	linkFns     map[int]func(wear.LinkEvent)
	nextID      int
	queued      map[string]wear.Inbound // latest context frame per path awaiting activation
	sent        []Delivery
}

var (
	_ wear.Transport      = (*Endpoint)(nil)
	_ wear.ContextUpdater = (*Endpoint)(nil)
	_ wear.Deactivator    = (*Endpoint)(nil)
	_ wear.LinkNotifier   = (*Endpoint)(nil)
)

// Info returns the identity this endpoint advertises.
func (e *Endpoint) Info() wear.PeerInfo {
	return e.info
}

func (e *Endpoint) Activate(ctx context.Context) error {
	e.mu.Lock()
	e.activations++
	delay, failure := e.activationDelay, e.activateErr
	e.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return failure
	}

	e.mu.Lock()
	e.active = true
	queued := e.drainQueuedLocked()
	e.mu.Unlock()

	e.log.Debug().Int("queued", len(queued)).Msg("activated")
	for _, in := range queued {
		e.receive(in)
	}
	return nil
}

func (e *Endpoint) Deactivate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
	return nil
}

func (e *Endpoint) ResolvePeers(ctx context.Context) ([]wear.PeerCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []wear.PeerCandidate
	for _, o := range e.medium.others(e.info.ID) {
		o.mu.Lock()
		nearby := o.nearby
		o.mu.Unlock()
		out = append(out, wear.PeerCandidate{PeerInfo: o.info, Nearby: nearby})
	}
	return out, nil
}

func (e *Endpoint) SendBytes(ctx context.Context, peerID string, frame wear.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	failure, reachable := e.sendErr, e.reachable
	e.mu.Unlock()
	if failure != nil {
		return failure
	}
	if !reachable {
		return wear.TransportFailure(0, "peer "+peerID+" not reachable")
	}

	target, ok := e.medium.lookup(peerID)
	if !ok || !target.isActive() {
		return wear.TransportFailure(0, "node "+peerID+" not connected")
	}

	e.record(Delivery{To: peerID, Frame: frame})
	in := wear.Inbound{PeerID: e.info.ID, Frame: frame}
	if target.nativeReplies && frame.ExpectsAck {
		in.Reply = func(ctx context.Context, reply wear.Frame) error {
			return target.SendBytes(ctx, e.info.ID, reply)
		}
	}
	target.receive(in)
	return nil
}

// UpdateContext delivers frame now if the peer is active and reachable, and
// otherwise keeps it as the latest value for its path until the peer
// activates.
func (e *Endpoint) UpdateContext(ctx context.Context, peerID string, frame wear.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	failure, reachable := e.sendErr, e.reachable
	e.mu.Unlock()
	if failure != nil {
		return failure
	}

	target, ok := e.medium.lookup(peerID)
	if !ok {
		return wear.TransportFailure(0, "unknown node "+peerID)
	}

	e.record(Delivery{To: peerID, Frame: frame, Context: true})
	in := wear.Inbound{PeerID: e.info.ID, Frame: frame}
	if reachable && target.isActive() {
		target.receive(in)
		return nil
	}
	target.mu.Lock()
	target.queued[frame.Path] = in
	target.mu.Unlock()
	return nil
}

func (e *Endpoint) OnBytesReceived(handler wear.InboundHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *Endpoint) OnLinkEvent(fn func(wear.LinkEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.linkFns[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.linkFns, id)
	}
}

func (e *Endpoint) Reachable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reachable
}

// SetReachable flips reachability and notifies link listeners on change.
func (e *Endpoint) SetReachable(reachable bool) {
	e.mu.Lock()
	changed := e.reachable != reachable
	e.reachable = reachable
	e.mu.Unlock()
	if !changed {
		return
	}
	kind := wear.LinkUnreachable
	if reachable {
		kind = wear.LinkReachable
	}
	e.notify(wear.LinkEvent{Kind: kind})
}

// SetNearby controls how this endpoint is listed to others.
func (e *Endpoint) SetNearby(nearby bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nearby = nearby
}

// Drop simulates losing the link for reason.
func (e *Endpoint) Drop(reason wear.DisconnectionState) {
	e.notify(wear.LinkEvent{Kind: wear.LinkLost, Reason: reason})
}

// FailSends makes SendBytes and UpdateContext return err; nil restores them.
func (e *Endpoint) FailSends(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendErr = err
}

// FailActivation makes Activate return err; nil restores it.
func (e *Endpoint) FailActivation(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activateErr = err
}

// Activations returns how many times Activate was called.
func (e *Endpoint) Activations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activations
}

// Sent returns every frame this endpoint handed to the medium.
func (e *Endpoint) Sent() []Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Delivery, len(e.sent))
	copy(out, e.sent)
	return out
}

// Queued returns the context frames waiting for this endpoint to activate.
func (e *Endpoint) Queued() []wear.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]wear.Frame, 0, len(e.queued))
	for _, in := range e.queued {
		out = append(out, in.Frame)
	}
	return out
}

func (e *Endpoint) isActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Endpoint) record(d Delivery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, d)
}

func (e *Endpoint) drainQueuedLocked() []wear.Inbound {
	out := make([]wear.Inbound, 0, len(e.queued))
	for path, in := range e.queued {
		out = append(out, in)
		delete(e.queued, path)
	}
	return out
}

func (e *Endpoint) receive(in wear.Inbound) {
	e.mu.Lock()
	handlers := make([]wear.InboundHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	e.log.Debug().Str("from", in.PeerID).Str("path", in.Frame.Path).Msg("frame received")
	for _, h := range handlers {
		h(in)
	}
}

func (e *Endpoint) notify(ev wear.LinkEvent) {
	e.mu.Lock()
	fns := make([]func(wear.LinkEvent), 0, len(e.linkFns))
	for _, fn := range e.linkFns {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
