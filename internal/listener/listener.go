// Package listener handles inbound frames when no connection may be
// resident, such as in a background service. Latest-value requests are
// answered directly; everything else is handed to a connection.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/wearlink-go/internal/latest"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

var (
	ErrNoProvider = errors.New("latest-value provider cannot be nil")
	ErrNoTarget   = errors.New("target resolver cannot be nil")
	ErrNoReplyWay = errors.New("frame has no reply handle and no transport is configured")
)

// Route reports what Handle did with a frame.
type Route int

const (
	RouteReplied Route = iota
	RouteIngested
	RouteBacklogged
	RouteFailed
)

func (r Route) String() string {
	switch r {
	case RouteReplied:
		return "replied"
	case RouteIngested:
		return "ingested"
	case RouteBacklogged:
		return "backlogged"
	default:
		return "failed"
	}
}

// Config holds configuration for a Listener
type Config struct {
	Namespace string
	Provider  latest.Provider
	// Target returns the connection that should receive hand-offs, or false
	// when none is resident.
	Target func() (wear.Ingestor, bool)
	// Transport sends replies for frames that carry no native reply handle.
	Transport wear.Transport
	// Recorder, when set, keeps every handed-off payload as the latest
	// value for its path.
	Recorder        latest.Store
	BacklogCapacity int
	Logger          *zerolog.Logger
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = wear.DefaultNamespace
	}
	if c.BacklogCapacity <= 0 {
		c.BacklogCapacity = 64
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return ErrNoProvider
	}
	if c.Target == nil {
		return ErrNoTarget
	}
	return nil
}

// Listener routes inbound frames by path.
type Listener struct {
	cfg          Config
	log          zerolog.Logger
	requestPath  string
	responsePath string

	mu      sync.Mutex
	backlog []wear.Inbound
	dropped uint64
}

// New creates a listener
func New(cfg Config) (*Listener, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Listener{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "listener").Logger(),
		requestPath:  wear.QualifyPath(cfg.Namespace, wear.TypeRequestLatest),
		responsePath: wear.QualifyPath(cfg.Namespace, wear.TypeResponseLatest),
	}, nil
}

// Attach subscribes the listener to t. The returned func detaches it.
func (l *Listener) Attach(t wear.Transport) func() {
	return t.OnBytesReceived(func(in wear.Inbound) {
		l.Handle(context.Background(), in)
	})
}

// Handle routes one inbound frame.
func (l *Listener) Handle(ctx context.Context, in wear.Inbound) Route {
	if in.Frame.Path == l.requestPath {
		if err := l.answerLatest(ctx, in); err != nil {
			l.log.Warn().Err(err).Str("peer_id", in.PeerID).Msg("failed to answer latest-value request")
			return RouteFailed
		}
		return RouteReplied
	}

	l.record(ctx, in)

	target, ok := l.cfg.Target()
	if !ok {
		l.enqueue(in)
		return RouteBacklogged
	}
	l.flushTo(target)
	target.Ingest(in)
	l.log.Debug().Str("peer_id", in.PeerID).Str("path", in.Frame.Path).Msg("frame handed to connection")
	return RouteIngested
}

// Flush hands any backlog to the current target and returns how many frames
// were delivered.
func (l *Listener) Flush() int {
	target, ok := l.cfg.Target()
	if !ok {
		return 0
	}
	return l.flushTo(target)
}

// Backlog returns the number of frames waiting for a target.
func (l *Listener) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.backlog)
}

// Dropped returns how many backlogged frames were evicted.
func (l *Listener) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Listener) answerLatest(ctx context.Context, in wear.Inbound) error {
	requestID := in.Frame.MessageID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	payload, err := l.cfg.Provider.Latest(ctx, latest.Request{
		PeerID:    in.PeerID,
		RequestID: requestID,
		Payload:   in.Frame.Payload,
	})
	if err != nil {
		return err
	}

	reply := wear.Frame{
		Path:          l.responsePath,
		Payload:       payload,
		MessageID:     wear.ReplyID(requestID),
		CorrelationID: requestID,
		TimestampMs:   time.Now().UnixMilli(),
	}
	switch {
	case in.Reply != nil:
		err = in.Reply(ctx, reply)
	case l.cfg.Transport != nil:
		err = l.cfg.Transport.SendBytes(ctx, in.PeerID, reply)
	default:
		err = ErrNoReplyWay
	}
	if err != nil {
		return err
	}
	l.log.Debug().Str("peer_id", in.PeerID).Str("request_id", requestID).Msg("answered latest-value request")
	return nil
}

func (l *Listener) record(ctx context.Context, in wear.Inbound) {
	if l.cfg.Recorder == nil {
		return
	}
	err := l.cfg.Recorder.Put(ctx, latest.Record{
		Key:     in.Frame.Path,
		PeerID:  in.PeerID,
		Payload: in.Frame.Payload,
	})
	if err != nil {
		l.log.Warn().Err(err).Str("path", in.Frame.Path).Msg("failed to record latest value")
	}
}

func (l *Listener) enqueue(in wear.Inbound) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.backlog) >= l.cfg.BacklogCapacity {
		l.backlog = l.backlog[1:]
		l.dropped++
	}
	l.backlog = append(l.backlog, in)
	l.log.Debug().Int("backlog", len(l.backlog)).Msg("no connection resident, frame backlogged")
}

func (l *Listener) flushTo(target wear.Ingestor) int {
	l.mu.Lock()
	pending := l.backlog
	l.backlog = nil
	l.mu.Unlock()

	for _, in := range pending {
		target.Ingest(in)
	}
	return len(pending)
}
