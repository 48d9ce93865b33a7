package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/wearlink-go/internal/connection"
	"github.com/rmacdonaldsmith/wearlink-go/internal/latest"
	"github.com/rmacdonaldsmith/wearlink-go/internal/registry"
	"github.com/rmacdonaldsmith/wearlink-go/internal/transport/memory"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

type recordingIngestor struct {
	mu  sync.Mutex
	got []wear.Inbound
}

func (r *recordingIngestor) Ingest(in wear.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in)
}

func (r *recordingIngestor) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, in := range r.got {
		out = append(out, in.Frame.Path)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Target: func() (wear.Ingestor, bool) { return nil, false }})
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = New(Config{Provider: latest.Static(nil)})
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestListener_AnswersRequestLatestViaTransport(t *testing.T) {
	m := memory.NewMedium()
	phone := m.Join(wear.PeerInfo{ID: "phone"})
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	require.NoError(t, watch.Activate(context.Background()))

	var replies []wear.Inbound
	watch.OnBytesReceived(func(in wear.Inbound) { replies = append(replies, in) })

	target := &recordingIngestor{}
	l, err := New(Config{
		Namespace: "/wearlink",
		Provider:  latest.Static(nil),
		Target:    func() (wear.Ingestor, bool) { return target, true },
		Transport: phone,
	})
	require.NoError(t, err)

	route := l.Handle(context.Background(), wear.Inbound{
		PeerID: "watch",
		Frame:  wear.Frame{Path: "/wearlink/request_latest", MessageID: "req-1"},
	})

	assert.Equal(t, RouteReplied, route)
	require.Len(t, replies, 1)
	assert.Equal(t, "/wearlink/response_latest", replies[0].Frame.Path)
	assert.Equal(t, "latest:ok", string(replies[0].Frame.Payload))
	assert.Equal(t, "req-1", replies[0].Frame.CorrelationID)
	assert.Empty(t, target.paths(), "latest-value requests are not handed off")
}

func TestListener_PrefersNativeReply(t *testing.T) {
	var got wear.Frame
	l, err := New(Config{
		Provider: latest.Static([]byte("42")),
		Target:   func() (wear.Ingestor, bool) { return nil, false },
	})
	require.NoError(t, err)

	route := l.Handle(context.Background(), wear.Inbound{
		PeerID: "watch",
		Frame:  wear.Frame{Path: "/wearlink/request_latest", MessageID: "r"},
		Reply: func(ctx context.Context, f wear.Frame) error {
			got = f
			return nil
		},
	})
	assert.Equal(t, RouteReplied, route)
	assert.Equal(t, "42", string(got.Payload))
	assert.Equal(t, "resp-r", got.MessageID)
}

func TestListener_ReplyFailures(t *testing.T) {
	t.Run("no_reply_way", func(t *testing.T) {
		l, err := New(Config{Provider: latest.Static(nil), Target: func() (wear.Ingestor, bool) { return nil, false }})
		require.NoError(t, err)
		route := l.Handle(context.Background(), wear.Inbound{Frame: wear.Frame{Path: "/wearlink/request_latest"}})
		assert.Equal(t, RouteFailed, route)
	})

	t.Run("provider_error", func(t *testing.T) {
		l, err := New(Config{
			Provider: latest.ProviderFunc(func(context.Context, latest.Request) ([]byte, error) {
				return nil, errors.New("db locked")
			}),
			Target: func() (wear.Ingestor, bool) { return nil, false },
		})
		require.NoError(t, err)
		route := l.Handle(context.Background(), wear.Inbound{
			Frame: wear.Frame{Path: "/wearlink/request_latest"},
			Reply: func(context.Context, wear.Frame) error { return nil },
		})
		assert.Equal(t, RouteFailed, route)
	})
}

func TestListener_HandsOffOtherPaths(t *testing.T) {
	target := &recordingIngestor{}
	store := latest.NewMemoryStore()
	l, err := New(Config{
		Provider: latest.Static(nil),
		Target:   func() (wear.Ingestor, bool) { return target, true },
		Recorder: store,
	})
	require.NoError(t, err)

	for _, path := range []string{"/wearlink/send", "/wearlink/other", "/elsewhere/x"} {
		route := l.Handle(context.Background(), wear.Inbound{PeerID: "watch", Frame: wear.Frame{Path: path, Payload: []byte("p")}})
		assert.Equal(t, RouteIngested, route)
	}
	assert.Equal(t, []string{"/wearlink/send", "/wearlink/other", "/elsewhere/x"}, target.paths())

	rec, err := store.Get(context.Background(), "/wearlink/send")
	require.NoError(t, err)
	assert.Equal(t, "watch", rec.PeerID)
}

func TestListener_BacklogsUntilTargetAppears(t *testing.T) {
	var resident wear.Ingestor
	l, err := New(Config{
		Provider:        latest.Static(nil),
		Target:          func() (wear.Ingestor, bool) { return resident, resident != nil },
		BacklogCapacity: 2,
	})
	require.NoError(t, err)

	for _, p := range []string{"/wearlink/1", "/wearlink/2", "/wearlink/3"} {
		assert.Equal(t, RouteBacklogged, l.Handle(context.Background(), wear.Inbound{Frame: wear.Frame{Path: p}}))
	}
	assert.Equal(t, 2, l.Backlog())
	assert.Equal(t, uint64(1), l.Dropped())
	assert.Equal(t, 0, l.Flush())

	target := &recordingIngestor{}
	resident = target
	assert.Equal(t, RouteIngested, l.Handle(context.Background(), wear.Inbound{Frame: wear.Frame{Path: "/wearlink/4"}}))

	assert.Equal(t, []string{"/wearlink/2", "/wearlink/3", "/wearlink/4"}, target.paths())
	assert.Equal(t, 0, l.Backlog())
}

func TestListener_EndToEndWithRegisteredConnection(t *testing.T) {
	m := memory.NewMedium()
	phone := m.Join(wear.PeerInfo{ID: "phone"})
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	require.NoError(t, phone.Activate(context.Background()))
	require.NoError(t, watch.Activate(context.Background()))

	var watchGot []wear.Inbound
	var watchMu sync.Mutex
	watch.OnBytesReceived(func(in wear.Inbound) {
		watchMu.Lock()
		defer watchMu.Unlock()
		watchGot = append(watchGot, in)
	})

	conn, err := connection.NewMessageBus(connection.Options{
		Config:          wear.ConnectionConfig{ID: "phone-app", Namespace: "/wearlink"},
		Transport:       phone,
		DetachedInbound: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	reg := registry.New()
	require.NoError(t, reg.Register(conn, true))

	l, err := New(Config{
		Namespace: "/wearlink",
		Provider:  latest.Static(nil),
		Target:    func() (wear.Ingestor, bool) { return reg.Ingestor("") },
		Transport: phone,
	})
	require.NoError(t, err)
	detach := l.Attach(phone)
	defer detach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	incoming := conn.Incoming(ctx)

	require.NoError(t, watch.SendBytes(ctx, "phone", wear.Frame{Path: "/wearlink/send", Payload: []byte("hr=72")}))
	select {
	case msg := <-incoming:
		assert.Equal(t, "/wearlink/send", msg.Type)
		assert.Equal(t, "hr=72", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("connection never received the handed-off frame")
	}

	// The hand-off tagged the origin, so a send goes back without resolving.
	require.True(t, conn.Send(ctx, wear.NewMessage("ack", nil)).OK())

	require.NoError(t, watch.SendBytes(ctx, "phone", wear.Frame{Path: "/wearlink/request_latest", MessageID: "req-2"}))

	watchMu.Lock()
	defer watchMu.Unlock()
	require.Len(t, watchGot, 2)
	assert.Equal(t, "/wearlink/ack", watchGot[0].Frame.Path)
	assert.Equal(t, "/wearlink/response_latest", watchGot[1].Frame.Path)
	assert.Equal(t, "req-2", watchGot[1].Frame.CorrelationID)
}
