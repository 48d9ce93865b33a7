// Package reconnect applies a ConnectionPolicy's retry schedule to connect
// attempts, both for a first connect and after the link drops.
package reconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// ConnectFunc performs a single connect attempt.
type ConnectFunc func(ctx context.Context) wear.ConnectionResult

// Config holds configuration for a reconnect loop
type Config struct {
	Policy  wear.ConnectionPolicy
	Connect ConnectFunc
	// OnState receives Reconnecting and terminal Disconnected states.
	OnState func(wear.ConnectionState)
	Logger  *zerolog.Logger
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
	Rand   *rand.Rand
	// Sleep waits for d or until ctx ends. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.OnState == nil {
		c.OnState = func(wear.ConnectionState) {}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
}

// Delay returns the wait before the given 1-based attempt.
func (c *Config) Delay(attempt int) time.Duration {
	d := c.Policy.BackoffFor(attempt)
	if c.Jitter && d > 0 {
		f := 0.5
		if c.Rand != nil {
			f += c.Rand.Float64()
		}
		d = time.Duration(float64(d) * f)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Recover runs the reconnect loop after the link was lost for reason.
// Each attempt is announced as Reconnecting(n) and preceded by the policy's
// backoff. A non-retryable failure ends the loop with Disconnected(Fatal);
// exhausting MaxReconnectAttempts ends it with Disconnected(reason).
func Recover(ctx context.Context, cfg Config, reason wear.DisconnectionState) wear.ConnectionResult {
	cfg.SetDefaults()
	log := cfg.Logger.With().Str("reason", reason.String()).Logger()

	if reason.IsFatal() || !cfg.Policy.AutoReconnect || cfg.Policy.MaxReconnectAttempts == 0 {
		cfg.OnState(wear.Disconnected(reason))
		return wear.Failed(lostError(reason), false)
	}

	last := wear.Failed(lostError(reason), true)
	for attempt := 1; attempt <= cfg.Policy.MaxReconnectAttempts; attempt++ {
		cfg.OnState(wear.Reconnecting(attempt))
		delay := cfg.Delay(attempt)
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("waiting before reconnect")
		if err := cfg.Sleep(ctx, delay); err != nil {
			return wear.Cancelled()
		}

		last = cfg.Connect(ctx)
		switch last.Outcome {
		case wear.ConnectSucceeded:
			log.Info().Int("attempt", attempt).Str("peer_id", last.Peer.ID).Msg("reconnected")
			return last
		case wear.ConnectCancelled:
			return last
		}

		log.Warn().Int("attempt", attempt).Err(last.Err).Msg("reconnect attempt failed")
		if !last.Retryable {
			cfg.OnState(wear.Disconnected(wear.FatalReason(last.Err)))
			return last
		}
	}

	log.Warn().Int("attempts", cfg.Policy.MaxReconnectAttempts).Msg("giving up on reconnect")
	cfg.OnState(wear.Disconnected(reason))
	return last
}

// ConnectWithRetry makes a first attempt immediately and then retries
// retryable failures with the policy's backoff, up to MaxReconnectAttempts
// extra attempts.
func ConnectWithRetry(ctx context.Context, cfg Config) wear.ConnectionResult {
	cfg.SetDefaults()

	res := cfg.Connect(ctx)
	for attempt := 1; attempt <= cfg.Policy.MaxReconnectAttempts; attempt++ {
		if res.Outcome != wear.ConnectFailed || !res.Retryable {
			return res
		}
		cfg.Logger.Debug().Int("attempt", attempt).Err(res.Err).Msg("connect failed, retrying")
		if err := cfg.Sleep(ctx, cfg.Delay(attempt)); err != nil {
			return wear.Cancelled()
		}
		res = cfg.Connect(ctx)
	}
	return res
}

func lostError(reason wear.DisconnectionState) *wear.Error {
	if reason.Err != nil {
		return reason.Err
	}
	return wear.TransportFailure(0, "link lost: "+reason.String())
}

// Supervisor runs at most one Recover loop at a time for a connection.
type Supervisor struct {
	mu      sync.Mutex
	cfg     Config
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	cfg.SetDefaults()
	return &Supervisor{cfg: cfg}
}

// SetPolicy replaces the policy used by the next loop.
func (s *Supervisor) SetPolicy(p wear.ConnectionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Policy = p
	s.stopped = false
}

// LinkLost starts a Recover loop unless one is already running. It returns
// whether a new loop was started.
func (s *Supervisor) LinkLost(reason wear.DisconnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.done != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	cfg := s.cfg

	go func() {
		defer close(done)
		defer cancel()
		Recover(ctx, cfg, reason)
		s.mu.Lock()
		if s.done == done {
			s.done = nil
			s.cancel = nil
		}
		s.mu.Unlock()
	}()
	return true
}

// Running reports whether a loop is in progress.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Stop cancels any running loop, waits for it to exit and ignores further
// LinkLost calls until SetPolicy re-arms it. It must not be called from
// inside the loop's Connect.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
