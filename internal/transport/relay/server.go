package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/wearlink-go/internal/envelope"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var ErrEmptySecret = errors.New("pairing secret cannot be empty")

// ServerConfig holds configuration for the relay server
type ServerConfig struct {
	Secret    string
	TokenTTL  time.Duration
	QueueSize int // per-subscription buffer
	Logger    *zerolog.Logger
}

// Validate checks if the configuration is valid
func (c *ServerConfig) Validate() error {
	if c.Secret == "" {
		return ErrEmptySecret
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *ServerConfig) SetDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

type subscription struct {
	ch   chan *structpb.Struct
	kick chan struct{}
}

type device struct {
	info     wear.PeerInfo
	subs     map[int]*subscription
	lastSeen time.Time
}

// Server relays frames between paired devices. Devices that currently hold
// a subscribe stream are listed as nearby.
type Server struct {
	cfg  ServerConfig
	auth *PairingAuth
	log  zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*device
	order   []string
	nextSub int

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

var _ relayService = (*Server)(nil)

// NewServer creates a relay server
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &Server{
		cfg:     cfg,
		auth:    NewPairingAuth(cfg.Secret, cfg.TokenTTL),
		log:     cfg.Logger.With().Str("component", "relay-server").Logger(),
		devices: make(map[string]*device),
	}, nil
}

// Register attaches the relay service to a gRPC server.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// Auth returns the pairing authority used to validate tokens.
func (s *Server) Auth() *PairingAuth {
	return s.auth
}

// Pair issues a token for info and makes the device known to the relay.
func (s *Server) Pair(info wear.PeerInfo) (string, time.Time, error) {
	token, expiresAt, err := s.auth.IssueToken(info)
	if err != nil {
		return "", time.Time{}, err
	}
	s.mu.Lock()
	s.touchLocked(info)
	s.mu.Unlock()
	s.log.Info().Str("device_id", info.ID).Time("expires_at", expiresAt).Msg("device paired")
	return token, expiresAt, nil
}

// Kick ends every subscription held by deviceID and reports whether there
// were any.
func (s *Server) Kick(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || len(d.subs) == 0 {
		return false
	}
	for id, sub := range d.subs {
		close(sub.kick)
		delete(d.subs, id)
	}
	s.log.Info().Str("device_id", deviceID).Msg("subscriptions kicked")
	return true
}

// Stats returns how many frames were delivered and dropped.
func (s *Server) Stats() (delivered, dropped uint64) {
	return s.delivered.Load(), s.dropped.Load()
}

func (s *Server) Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	claims, err := s.auth.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	to, frame, err := envelope.DecodeDelivery(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	s.touchLocked(claims.Peer())
	var subs []*subscription
	if d, ok := s.devices[to]; ok {
		for _, sub := range d.subs {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	if len(subs) == 0 {
		return nil, status.Errorf(codes.NotFound, "node %s not connected", to)
	}

	env := envelope.Inbound(claims.DeviceID, frame)
	accepted := 0
	for _, sub := range subs {
		select {
		case sub.ch <- env:
			accepted++
		default:
			s.dropped.Add(1)
			s.log.Warn().Str("from", claims.DeviceID).Str("to", to).Msg("subscriber queue full, frame dropped")
		}
	}
	if accepted == 0 {
		return nil, status.Errorf(codes.ResourceExhausted, "node %s is not keeping up", to)
	}
	s.delivered.Add(1)
	s.log.Debug().Str("from", claims.DeviceID).Str("to", to).Str("path", frame.Path).Msg("frame relayed")
	return &emptypb.Empty{}, nil
}

func (s *Server) ListPeers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	claims, err := s.auth.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.touchLocked(claims.Peer())
	peers := make([]wear.PeerCandidate, 0, len(s.order))
	for _, id := range s.order {
		if id == claims.DeviceID {
			continue
		}
		d := s.devices[id]
		peers = append(peers, wear.PeerCandidate{PeerInfo: d.info, Nearby: len(d.subs) > 0})
	}
	s.mu.Unlock()

	return envelope.EncodePeers(peers), nil
}

func (s *Server) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	claims, err := s.auth.authenticate(ctx)
	if err != nil {
		return err
	}

	sub := &subscription{
		ch:   make(chan *structpb.Struct, s.cfg.QueueSize),
		kick: make(chan struct{}),
	}
	s.mu.Lock()
	d := s.touchLocked(claims.Peer())
	id := s.nextSub
	s.nextSub++
	d.subs[id] = sub
	s.mu.Unlock()

	log := s.log.With().Str("device_id", claims.DeviceID).Int("subscription", id).Logger()
	log.Info().Msg("device attached")
	defer func() {
		s.mu.Lock()
		delete(d.subs, id)
		s.mu.Unlock()
		log.Info().Msg("device detached")
	}()

	if err := stream.SendMsg(envelope.Ready()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.kick:
			return status.Error(codes.Unavailable, "subscription closed by relay")
		case env := <-sub.ch:
			if err := stream.SendMsg(env); err != nil {
				log.Warn().Err(err).Msg("failed to forward frame")
				return err
			}
		}
	}
}

// touchLocked records info as seen now. Token claims are authoritative, so
// they overwrite any earlier identity.
func (s *Server) touchLocked(info wear.PeerInfo) *device {
	d, ok := s.devices[info.ID]
	if !ok {
		d = &device{subs: make(map[int]*subscription)}
		s.devices[info.ID] = d
		s.order = append(s.order, info.ID)
	}
	d.info = info
	d.lastSeen = time.Now()
	return d
}
