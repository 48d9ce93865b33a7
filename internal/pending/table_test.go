package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noopReply(context.Context, wear.Frame) error { return nil }

func TestTable_TakeIsConsumeOnce(t *testing.T) {
	table := New(Config{})

	require.NoError(t, table.Store("req-1", "phone", noopReply))

	entry, ok := table.Take("req-1")
	require.True(t, ok)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "phone", entry.PeerID)

	_, ok = table.Take("req-1")
	assert.False(t, ok, "second take must fail")

	_, ok = table.Take("never-seen")
	assert.False(t, ok)
}

func TestTable_StoreValidation(t *testing.T) {
	table := New(Config{})

	assert.ErrorIs(t, table.Store("", "p", noopReply), ErrEmptyRequestID)
	assert.ErrorIs(t, table.Store("id", "p", nil), ErrNilReply)
}

func TestTable_ExpiredEntriesAreDropped(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var dropped []Dropped
	table := New(Config{
		TTL:    time.Second,
		Now:    clock.Now,
		OnDrop: func(d Dropped) { dropped = append(dropped, d) },
	})

	require.NoError(t, table.Store("old", "p", noopReply))
	clock.Advance(2 * time.Second)

	_, ok := table.Take("old")
	assert.False(t, ok)
	require.Len(t, dropped, 1)
	assert.Equal(t, ReasonExpired, dropped[0].Reason)
	assert.Equal(t, "old", dropped[0].RequestID)
}

func TestTable_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	table := New(Config{TTL: time.Second, Now: clock.Now})

	require.NoError(t, table.Store("a", "p", noopReply))
	clock.Advance(600 * time.Millisecond)
	require.NoError(t, table.Store("b", "p", noopReply))
	clock.Advance(600 * time.Millisecond)

	assert.Equal(t, 1, table.Sweep())
	assert.Equal(t, 1, table.Len())

	_, ok := table.Take("b")
	assert.True(t, ok)
}

func TestTable_CapacityEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var dropped []Dropped
	table := New(Config{
		Capacity: 2,
		Now:      clock.Now,
		OnDrop:   func(d Dropped) { dropped = append(dropped, d) },
	})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, table.Store(id, "p", noopReply))
		clock.Advance(time.Millisecond)
	}

	assert.Equal(t, 2, table.Len())
	require.Len(t, dropped, 1)
	assert.Equal(t, ReasonEvicted, dropped[0].Reason)
	assert.Equal(t, "a", dropped[0].RequestID)
}

func TestTable_ReplacingAnEntryReportsIt(t *testing.T) {
	var dropped []Dropped
	table := New(Config{OnDrop: func(d Dropped) { dropped = append(dropped, d) }})

	require.NoError(t, table.Store("dup", "p1", noopReply))
	require.NoError(t, table.Store("dup", "p2", noopReply))

	require.Len(t, dropped, 1)
	assert.Equal(t, ReasonReplaced, dropped[0].Reason)

	entry, ok := table.Take("dup")
	require.True(t, ok)
	assert.Equal(t, "p2", entry.PeerID)
}

func TestTable_RunSweepsUntilCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	table := New(Config{TTL: time.Second, Now: clock.Now})
	require.NoError(t, table.Store("a", "p", noopReply))
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		table.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
