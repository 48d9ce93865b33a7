package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// PickPeer chooses the first nearby candidate, or the first candidate when
// none is nearby.
func PickPeer(candidates []wear.PeerCandidate) (wear.PeerCandidate, bool) {
	if len(candidates) == 0 {
		return wear.PeerCandidate{}, false
	}
	for _, c := range candidates {
		if c.Nearby {
			return c, true
		}
	}
	return candidates[0], true
}

// resolvePeer polls the transport until a candidate appears or timeout
// elapses.
func resolvePeer(ctx context.Context, t wear.Transport, timeout, interval time.Duration) (wear.PeerCandidate, *wear.Error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		var candidates []wear.PeerCandidate
		err := safeCall(func() (err error) {
			candidates, err = t.ResolvePeers(sctx)
			return err
		})
		if err != nil && sctx.Err() == nil {
			return wear.PeerCandidate{}, wear.AsError(err)
		}
		if best, ok := PickPeer(candidates); ok {
			return best, nil
		}

		select {
		case <-sctx.Done():
			return wear.PeerCandidate{}, wear.PeerNotFound(timeout)
		case <-time.After(interval):
		}
	}
}

// activate runs the transport activation bounded by timeout.
func activate(ctx context.Context, t wear.Transport, timeout time.Duration) *wear.Error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := safeCall(func() error { return t.Activate(actx) })
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
		return wear.Timeout("activate", timeout).WithCause(err)
	}
	return wear.AsError(err)
}

// contextError describes why op gave up waiting on ctx.
func contextError(op string, err error) *wear.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wear.Timeout(op, 0).WithCause(err)
	}
	return wear.TransportFailure(0, op+" cancelled").WithCause(err)
}
