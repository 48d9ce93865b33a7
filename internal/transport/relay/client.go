package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/wearlink-go/internal/envelope"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	ErrEmptyAddress = errors.New("relay address cannot be empty")
	ErrClosed       = errors.New("relay transport closed")
)

// Config holds configuration for a relay client transport
type Config struct {
	Address string
	Token   string
	// Dialer overrides how connections are made, e.g. for bufconn.
	Dialer      func(ctx context.Context, addr string) (net.Conn, error)
	DialOptions []grpc.DialOption
	RPCTimeout  time.Duration
	Logger      *zerolog.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Address == "" {
		return ErrEmptyAddress
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Transport is the device side of the relay. Activate opens the subscribe
// stream; the device is reachable while the stream is up.
type Transport struct {
	cfg  Config
	log  zerolog.Logger
	conn *grpc.ClientConn

	activateMu sync.Mutex
	live       atomic.Bool

	mu           sync.Mutex
	closed       bool
	cancelStream context.CancelFunc
	streamDone   chan struct{}
	handlers     map[int]wear.InboundHandler
	linkFns      map[int]func(wear.LinkEvent)
	nextID       int
}

var (
	_ wear.Transport    = (*Transport)(nil)
	_ wear.Deactivator  = (*Transport)(nil)
	_ wear.LinkNotifier = (*Transport)(nil)
)

// Dial creates a client for the relay at cfg.Address. The connection is
// established lazily.
func Dial(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(cfg.Dialer))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, wear.TransportFailure(0, "dial relay: "+err.Error()).WithCause(err)
	}
	return &Transport{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "relay-transport").Str("relay", cfg.Address).Logger(),
		conn:     conn,
		handlers: make(map[int]wear.InboundHandler),
		linkFns:  make(map[int]func(wear.LinkEvent)),
	}, nil
}

// Activate opens the subscribe stream and waits for the relay to
// acknowledge it. It is a no-op while the stream is up.
func (t *Transport) Activate(ctx context.Context) error {
	t.activateMu.Lock()
	defer t.activateMu.Unlock()

	if t.live.Load() {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return wear.TransportFailure(0, ErrClosed.Error()).WithCause(ErrClosed)
	}
	if t.cancelStream != nil {
		t.cancelStream()
	}
	t.mu.Unlock()

	streamCtx, cancel := context.WithCancel(withToken(context.Background(), t.cfg.Token))
	stream, err := t.conn.NewStream(streamCtx, &serviceDesc.Streams[streamIdxSubscribe], methodSubscribe)
	if err != nil {
		cancel()
		return t.statusError("subscribe", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		cancel()
		return t.statusError("subscribe", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return t.statusError("subscribe", err)
	}

	// The caller's ctx bounds the handshake only; the stream outlives it.
	stop := context.AfterFunc(ctx, cancel)
	first := new(structpb.Struct)
	err = stream.RecvMsg(first)
	if !stop() {
		cancel()
		return ctx.Err()
	}
	if err != nil {
		cancel()
		return t.statusError("subscribe", err)
	}
	if kind, err := envelope.Kind(first); err != nil || kind != envelope.KindReady {
		cancel()
		return wear.Protocol("relay did not acknowledge subscription")
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.cancelStream = cancel
	t.streamDone = done
	t.mu.Unlock()
	t.live.Store(true)

	t.log.Info().Msg("subscribed to relay")
	go t.receiveLoop(stream, done)
	t.notify(wear.LinkEvent{Kind: wear.LinkReachable})
	return nil
}

func (t *Transport) Deactivate(ctx context.Context) error {
	t.live.Store(false)

	t.mu.Lock()
	cancel, done := t.cancelStream, t.streamDone
	t.cancelStream, t.streamDone = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) ResolvePeers(ctx context.Context) ([]wear.PeerCandidate, error) {
	ctx, cancel := t.rpcContext(ctx)
	defer cancel()

	out := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, methodListPeers, &emptypb.Empty{}, out); err != nil {
		return nil, t.statusError("list peers", err)
	}
	peers, err := envelope.DecodePeers(out)
	if err != nil {
		return nil, wear.Protocol(err.Error()).WithCause(err)
	}
	return peers, nil
}

func (t *Transport) SendBytes(ctx context.Context, peerID string, frame wear.Frame) error {
	ctx, cancel := t.rpcContext(ctx)
	defer cancel()

	if err := t.conn.Invoke(ctx, methodDeliver, envelope.Delivery(peerID, frame), new(emptypb.Empty)); err != nil {
		return t.statusError("deliver", err)
	}
	return nil
}

func (t *Transport) OnBytesReceived(handler wear.InboundHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, id)
	}
}

func (t *Transport) OnLinkEvent(fn func(wear.LinkEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.linkFns[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.linkFns, id)
	}
}

// Reachable reports whether the subscribe stream is up.
func (t *Transport) Reachable() bool {
	return t.live.Load()
}

// Close ends the stream and releases the client connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RPCTimeout)
	defer cancel()
	_ = t.Deactivate(ctx)
	return t.conn.Close()
}

func (t *Transport) receiveLoop(stream grpc.ClientStream, done chan struct{}) {
	defer close(done)
	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			// Deactivate clears live first, so only unexpected ends report a loss.
			if !t.live.Swap(false) {
				return
			}
			werr := t.statusError("subscribe", err)
			reason := wear.ReasonFor(werr)
			t.log.Warn().Err(err).Str("reason", reason.String()).Msg("relay stream lost")
			t.notify(wear.LinkEvent{Kind: wear.LinkLost, Reason: reason})
			return
		}

		kind, err := envelope.Kind(env)
		if err != nil || kind != envelope.KindFrame {
			t.log.Debug().Err(err).Str("kind", kind).Msg("ignoring envelope")
			continue
		}
		from, frame, err := envelope.DecodeInbound(env)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed frame from relay")
			continue
		}
		t.dispatch(wear.Inbound{PeerID: from, Frame: frame})
	}
}

func (t *Transport) dispatch(in wear.Inbound) {
	t.mu.Lock()
	handlers := make([]wear.InboundHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	t.log.Debug().Str("from", in.PeerID).Str("path", in.Frame.Path).Msg("frame received")
	for _, h := range handlers {
		h(in)
	}
}

func (t *Transport) notify(ev wear.LinkEvent) {
	t.mu.Lock()
	fns := make([]func(wear.LinkEvent), 0, len(t.linkFns))
	for _, fn := range t.linkFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (t *Transport) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = withToken(ctx, t.cfg.Token)
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.cfg.RPCTimeout)
}

// statusError maps a gRPC failure onto the connection error set.
func (t *Transport) statusError(op string, err error) *wear.Error {
	st, ok := status.FromError(err)
	if !ok {
		return wear.AsError(err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return wear.PairingRequired(st.Message()).WithCause(err)
	case codes.DeadlineExceeded:
		return wear.Timeout(op, t.cfg.RPCTimeout).WithCause(err)
	case codes.InvalidArgument:
		return wear.Protocol(st.Message()).WithCause(err)
	default:
		return wear.TransportFailure(int(st.Code()), st.Message()).WithCause(err)
	}
}
