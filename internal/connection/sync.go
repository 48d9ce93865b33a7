package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// writerLock serializes operations that mutate connection state or hit the
// transport. Unlike sync.Mutex, waiting for it honours ctx.
type writerLock chan struct{}

func newWriterLock() writerLock {
	return make(writerLock, 1)
}

func (l writerLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l writerLock) unlock() {
	<-l
}

// connectGate coalesces concurrent Connect calls onto one attempt.
type connectGate struct {
	mu   sync.Mutex
	call *connectCall
}

type connectCall struct {
	done    chan struct{}
	result  wear.ConnectionResult
	waiters int
	cancel  context.CancelFunc
}

// do joins the attempt in flight or starts one running fn. The attempt
// outlives any single caller and is cancelled only once every waiter has
// given up. A waiter whose ctx ends first gets Cancelled.
func (g *connectGate) do(ctx context.Context, fn func(ctx context.Context) wear.ConnectionResult) wear.ConnectionResult {
	g.mu.Lock()
	c := g.call
	if c == nil {
		actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &connectCall{done: make(chan struct{}), cancel: cancel}
		g.call = c
		go g.run(actx, c, fn)
	}
	c.waiters++
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.result
	case <-ctx.Done():
		g.leave(c)
		return wear.Cancelled()
	}
}

func (g *connectGate) run(ctx context.Context, c *connectCall, fn func(ctx context.Context) wear.ConnectionResult) {
	res := fn(ctx)
	c.cancel()

	g.mu.Lock()
	c.result = res
	if g.call == c {
		g.call = nil
	}
	g.mu.Unlock()
	close(c.done)
}

// leave drops a waiter. The last one out cancels the attempt, and later
// callers start a fresh one instead of joining it.
func (g *connectGate) leave(c *connectCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	if g.call == c {
		g.call = nil
	}
}

// peerSlot holds the currently targeted peer.
type peerSlot struct {
	mu   sync.RWMutex
	info wear.PeerInfo
}

func (p *peerSlot) get() wear.PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

func (p *peerSlot) set(info wear.PeerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
}

// setID retargets to id, keeping the descriptive fields if the id is unchanged.
func (p *peerSlot) setID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info.ID != id {
		p.info = wear.PeerInfo{ID: id}
	}
}

func (p *peerSlot) clear() {
	p.set(wear.PeerInfo{})
}

// safeCall runs a transport callback, converting a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wear.TransportFailure(0, fmt.Sprintf("transport panic: %v", r))
		}
	}()
	return fn()
}
