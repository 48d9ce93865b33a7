package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/wearlink-go/internal/transport/memory"
	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

const testNamespace = "/testClient"

func testConfig(id string) wear.ConnectionConfig {
	return wear.ConnectionConfig{ID: wear.ConnectionID(id), AppID: id, Namespace: testNamespace}
}

func fastPolicy() wear.ConnectionPolicy {
	p := wear.DefaultPolicy()
	p.Backoff = []time.Duration{time.Millisecond}
	p.ScanTimeout = 200 * time.Millisecond
	p.ConnectTimeout = 200 * time.Millisecond
	p.AckTimeout = time.Second
	return p
}

// frames records inbound frames seen by a raw endpoint.
type frames struct {
	mu  sync.Mutex
	got []wear.Inbound
}

func (f *frames) handle(in wear.Inbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
}

func (f *frames) all() []wear.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wear.Inbound(nil), f.got...)
}

func (f *frames) wait(t *testing.T, n int) []wear.Inbound {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.all()
}

// phoneSide joins an active raw endpoint that records what it receives.
func phoneSide(t *testing.T, m *memory.Medium, opts ...memory.Option) (*memory.Endpoint, *frames) {
	t.Helper()
	phone := m.Join(wear.PeerInfo{ID: "phone", Name: "Pixel"}, opts...)
	require.NoError(t, phone.Activate(context.Background()))
	rec := &frames{}
	phone.OnBytesReceived(rec.handle)
	return phone, rec
}

func newMessageBus(t *testing.T, opts Options) *MessageBusConnection {
	t.Helper()
	c, err := NewMessageBus(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitEvent(t *testing.T, ch <-chan wear.Event, match func(wear.Event) bool) wear.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitMessage(t *testing.T, ch <-chan wear.Message) wear.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("message stream closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return wear.Message{}
}

func isState(kind wear.StateKind) func(wear.Event) bool {
	return func(ev wear.Event) bool {
		return ev.Kind == wear.EventStateChanged && ev.State.Kind == kind
	}
}

func TestMessageBus_SendPingEndToEnd(t *testing.T) {
	m := memory.NewMedium()
	_, phoneFrames := phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})

	conn := newMessageBus(t, Options{Config: testConfig("testClientApp"), Transport: watch})
	res := conn.Connect(context.Background(), fastPolicy())
	require.True(t, res.OK(), res.String())
	assert.Equal(t, "phone", res.Peer.ID)
	assert.Equal(t, wear.TransportMessageBus, res.Transport)

	msg := wear.Message{ID: "msg-001", Type: "ping", Payload: []byte("hello from watch")}
	sent := conn.Send(context.Background(), msg)
	assert.Equal(t, wear.SendSent, sent.Status, sent.String())

	got := phoneFrames.wait(t, 1)
	assert.Equal(t, "/testClient/ping", got[0].Frame.Path)
	assert.Equal(t, "hello from watch", string(got[0].Frame.Payload))
	assert.Equal(t, "msg-001", got[0].Frame.MessageID)
	assert.NotZero(t, got[0].Frame.TimestampMs)
	assert.Equal(t, uint64(1), conn.Metrics().SentCount)
}

func TestMessageBus_RequestResponse(t *testing.T) {
	m := memory.NewMedium()
	phone, phoneFrames := phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})

	conn := newMessageBus(t, Options{Config: testConfig("testClientApp"), Transport: watch})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	incoming := conn.Incoming(ctx)
	require.True(t, conn.Connect(ctx, fastPolicy()).OK())

	require.NoError(t, phone.SendBytes(ctx, "watch", wear.Frame{
		Path: "/testClient/request", MessageID: "req-1", ExpectsAck: true, Payload: []byte("?"),
	}))

	req := waitMessage(t, incoming)
	assert.Equal(t, "req-1", req.ID)
	assert.True(t, req.ExpectsAck)
	assert.Equal(t, "/testClient/request", req.Type)
	assert.Equal(t, 1, conn.Metrics().PendingReplies)

	res := conn.OnReceived(ctx, "req-1", "pong", []byte("ok"))
	assert.Equal(t, wear.SendSent, res.Status, res.String())

	reply := phoneFrames.wait(t, 1)[0]
	assert.Equal(t, "req-1", reply.Frame.CorrelationID)
	assert.Equal(t, "resp-req-1", reply.Frame.MessageID)
	assert.Equal(t, "/testClient/pong", reply.Frame.Path)

	again := conn.OnReceived(ctx, "req-1", "pong", []byte("ok"))
	require.Equal(t, wear.SendFailed, again.Status)
	assert.Equal(t, wear.KindTransportFailure, again.Err.Kind)
	assert.Contains(t, again.Err.Detail, "no pending reply for req-1")
}

func TestMessageBus_OnReceivedUnknownRequest(t *testing.T) {
	m := memory.NewMedium()
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: m.Join(wear.PeerInfo{ID: "watch"})})

	res := conn.OnReceived(context.Background(), "never-seen", "pong", nil)
	require.Equal(t, wear.SendFailed, res.Status)
	assert.Equal(t, wear.KindTransportFailure, res.Err.Kind)
}

func TestMessageBus_DisconnectIsIdempotent(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, conn.Connect(ctx, fastPolicy()).OK())
	events := conn.Events(ctx)

	assert.True(t, conn.Disconnect(ctx))
	assert.True(t, conn.Disconnect(ctx))

	var seen []wear.Event
	deadline := time.After(50 * time.Millisecond)
collect:
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev)
		case <-deadline:
			break collect
		}
	}

	disconnects := 0
	for _, ev := range seen {
		assert.NotEqual(t, wear.EventError, ev.Kind, "unexpected error event %s", ev)
		if ev.Kind == wear.EventStateChanged && ev.State.Kind == wear.StateDisconnected {
			disconnects++
			assert.Equal(t, wear.DisconnectUserInitiated, ev.State.Reason.Kind)
		}
	}
	assert.Equal(t, 1, disconnects)
}

func TestMessageBus_DisconnectWithoutConnect(t *testing.T) {
	m := memory.NewMedium()
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: m.Join(wear.PeerInfo{ID: "watch"})})
	assert.True(t, conn.Disconnect(context.Background()))
}

func TestPickPeer(t *testing.T) {
	cands := []wear.PeerCandidate{
		{PeerInfo: wear.PeerInfo{ID: "a"}, Nearby: false},
		{PeerInfo: wear.PeerInfo{ID: "b"}, Nearby: true},
	}
	best, ok := PickPeer(cands)
	require.True(t, ok)
	assert.Equal(t, "b", best.ID)

	best, ok = PickPeer(cands[:1])
	require.True(t, ok)
	assert.Equal(t, "a", best.ID)

	_, ok = PickPeer(nil)
	assert.False(t, ok)
}

func TestMessageBus_ConnectPrefersNearbyPeer(t *testing.T) {
	m := memory.NewMedium()
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	m.Join(wear.PeerInfo{ID: "a"}).SetNearby(false)
	m.Join(wear.PeerInfo{ID: "b"})

	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})
	res := conn.Connect(context.Background(), fastPolicy())
	require.True(t, res.OK())
	assert.Equal(t, "b", res.Peer.ID)
}

func TestMessageBus_ConnectWithoutPeers(t *testing.T) {
	m := memory.NewMedium()
	conn := newMessageBus(t, Options{
		Config:       testConfig("c"),
		Transport:    m.Join(wear.PeerInfo{ID: "watch"}),
		ScanInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Events(ctx)

	policy := fastPolicy()
	policy.ScanTimeout = 50 * time.Millisecond
	res := conn.Connect(ctx, policy)

	require.Equal(t, wear.ConnectFailed, res.Outcome)
	assert.True(t, res.Retryable)
	assert.Equal(t, wear.KindPeerNotFound, res.Err.Kind)
	assert.Equal(t, 50*time.Millisecond, res.Err.Timeout)

	ev := waitEvent(t, events, func(ev wear.Event) bool { return ev.Kind == wear.EventError })
	assert.Equal(t, wear.KindPeerNotFound, ev.Err.Kind)
}

func TestMessageBus_ConnectFindsLateJoiningPeer(t *testing.T) {
	m := memory.NewMedium()
	conn := newMessageBus(t, Options{
		Config:       testConfig("c"),
		Transport:    m.Join(wear.PeerInfo{ID: "watch"}),
		ScanInterval: 5 * time.Millisecond,
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Join(wear.PeerInfo{ID: "phone"})
	}()

	res := conn.Connect(context.Background(), fastPolicy())
	require.True(t, res.OK(), res.String())
	assert.Equal(t, "phone", res.Peer.ID)
}

func TestMessageBus_ConcurrentConnectsCoalesce(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"}, memory.WithActivationDelay(50*time.Millisecond))
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	var wg sync.WaitGroup
	results := make([]wear.ConnectionResult, 4)
	start := make(chan struct{})
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = conn.Connect(context.Background(), fastPolicy())
		}()
	}
	close(start)
	wg.Wait()

	for _, r := range results {
		assert.True(t, r.OK(), r.String())
		assert.Equal(t, "phone", r.Peer.ID)
	}
	assert.Equal(t, 1, watch.Activations())
}

func TestMessageBus_ConnectTimeout(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"}, memory.WithActivationDelay(time.Second))
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	policy := fastPolicy()
	policy.ConnectTimeout = 20 * time.Millisecond
	res := conn.Connect(context.Background(), policy)

	require.Equal(t, wear.ConnectFailed, res.Outcome)
	assert.True(t, res.Retryable)
	assert.Equal(t, wear.KindTimeout, res.Err.Kind)
	assert.Equal(t, "activate", res.Err.Operation)
}

func TestMessageBus_ConnectCancelled(t *testing.T) {
	m := memory.NewMedium()
	watch := m.Join(wear.PeerInfo{ID: "watch"}, memory.WithActivationDelay(time.Second))
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := conn.Connect(ctx, fastPolicy())
	assert.Equal(t, wear.ConnectCancelled, res.Outcome)
}

func TestMessageBus_SendWithAck(t *testing.T) {
	m := memory.NewMedium()
	phone := m.Join(wear.PeerInfo{ID: "phone"})
	watch := m.Join(wear.PeerInfo{ID: "watch"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	phoneConn := newMessageBus(t, Options{Config: testConfig("phone"), Transport: phone})
	phoneIncoming := phoneConn.Incoming(ctx)
	require.True(t, phoneConn.Connect(ctx, fastPolicy()).OK())
	go func() {
		for msg := range phoneIncoming {
			if msg.ExpectsAck {
				phoneConn.OnReceived(ctx, msg.ID, "pong", nil)
			}
		}
	}()

	watchConn := newMessageBus(t, Options{Config: testConfig("watch"), Transport: watch})
	require.True(t, watchConn.Connect(ctx, fastPolicy()).OK())

	res := watchConn.Send(ctx, wear.NewRequest("ping", []byte("hi")))
	require.Equal(t, wear.SendAcked, res.Status, res.String())
	assert.Equal(t, res.RTT, watchConn.Metrics().LastRTT)
}

func TestMessageBus_SendAckTimeout(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	policy := fastPolicy()
	policy.AckTimeout = 20 * time.Millisecond
	require.True(t, conn.Connect(context.Background(), policy).OK())

	res := conn.Send(context.Background(), wear.NewRequest("ping", nil))
	require.Equal(t, wear.SendFailed, res.Status)
	assert.Equal(t, wear.KindTimeout, res.Err.Kind)
	assert.Equal(t, "ack", res.Err.Operation)
}

func TestMessageBus_SendWithoutPeer(t *testing.T) {
	m := memory.NewMedium()
	conn := newMessageBus(t, Options{
		Config:       testConfig("c"),
		Transport:    m.Join(wear.PeerInfo{ID: "watch"}),
		ScanInterval: 5 * time.Millisecond,
	})
	policy := fastPolicy()
	policy.ScanTimeout = 20 * time.Millisecond
	conn.Connect(context.Background(), policy)

	res := conn.Send(context.Background(), wear.NewMessage("ping", nil))
	require.Equal(t, wear.SendFailed, res.Status)
	assert.Equal(t, wear.KindPeerNotFound, res.Err.Kind)
}

func TestMessageBus_TransportSendFailureIsReported(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})
	require.True(t, conn.Connect(context.Background(), fastPolicy()).OK())

	watch.FailSends(wear.TransportFailure(7, "radio busy"))
	res := conn.Send(context.Background(), wear.NewMessage("ping", nil))
	require.Equal(t, wear.SendFailed, res.Status)
	assert.Equal(t, 7, res.Err.Code)
	assert.Equal(t, res.Err, conn.Metrics().LastError)
}

func TestMessageBus_IngestTargetsOriginPeer(t *testing.T) {
	m := memory.NewMedium()
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	m.Join(wear.PeerInfo{ID: "tablet"})
	_, phoneFrames := phoneSide(t, m)

	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch, DetachedInbound: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	incoming := conn.Incoming(ctx)

	conn.Ingest(wear.Inbound{PeerID: "phone", Frame: wear.Frame{Path: "/testClient/send", Payload: []byte("x")}})
	msg := waitMessage(t, incoming)
	assert.Equal(t, "/testClient/send", msg.Type)

	require.True(t, conn.Send(ctx, wear.NewMessage("ping", nil)).OK())
	phoneFrames.wait(t, 1)
	assert.Equal(t, "phone", watch.Sent()[0].To)
}

func TestMessageBus_PendingReplyExpires(t *testing.T) {
	m := memory.NewMedium()
	phone, _ := phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch, PendingTTL: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Events(ctx)
	require.True(t, conn.Connect(ctx, fastPolicy()).OK())

	require.NoError(t, phone.SendBytes(ctx, "watch", wear.Frame{Path: "/testClient/q", MessageID: "req-9", ExpectsAck: true}))

	ev := waitEvent(t, events, func(ev wear.Event) bool { return ev.Kind == wear.EventError })
	assert.Equal(t, wear.KindTimeout, ev.Err.Kind)
	assert.Contains(t, ev.Err.Operation, "req-9")

	res := conn.OnReceived(ctx, "req-9", "late", nil)
	assert.Equal(t, wear.SendFailed, res.Status)
}

func TestMessageBus_ReconnectsAfterLinkLoss(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Events(ctx)
	require.True(t, conn.Connect(ctx, fastPolicy()).OK())
	waitEvent(t, events, isState(wear.StateConnected))

	watch.Drop(wear.Reason(wear.DisconnectConnectionLost))

	ev := waitEvent(t, events, isState(wear.StateReconnecting))
	assert.Equal(t, 1, ev.State.Attempt)
	ev = waitEvent(t, events, isState(wear.StateConnected))
	assert.Equal(t, "phone", ev.State.Peer.ID)

	assert.True(t, conn.Disconnect(ctx))
}

func TestMessageBus_FatalLinkLossIsTerminal(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"})
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Events(ctx)
	require.True(t, conn.Connect(ctx, fastPolicy()).OK())

	watch.Drop(wear.FatalReason(wear.PermissionMissing("BLUETOOTH_CONNECT")))

	ev := waitEvent(t, events, isState(wear.StateDisconnected))
	assert.True(t, ev.State.Reason.IsFatal())

	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, wear.StateReconnecting, ev.State.Kind, "fatal loss must not reconnect")
		case <-timeout:
			return
		}
	}
}

func TestMessageBus_CloseEndsSubscriptions(t *testing.T) {
	m := memory.NewMedium()
	conn, err := NewMessageBus(Options{Config: testConfig("c"), Transport: m.Join(wear.PeerInfo{ID: "watch"})})
	require.NoError(t, err)

	events := conn.Events(context.Background())
	incoming := conn.Incoming(context.Background())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, ok := <-events
	assert.False(t, ok)
	_, ok = <-incoming
	assert.False(t, ok)
}

func TestNewMessageBus_Validation(t *testing.T) {
	_, err := NewMessageBus(Options{Config: testConfig("c")})
	assert.ErrorIs(t, err, ErrNilTransport)

	m := memory.NewMedium()
	_, err = NewMessageBus(Options{Config: wear.ConnectionConfig{}, Transport: m.Join(wear.PeerInfo{ID: "w"})})
	assert.ErrorIs(t, err, ErrInvalidConnectionConfig)
}

// panicTransport blows up on every send.
type panicTransport struct{}

func (panicTransport) Activate(context.Context) error { return nil }
func (panicTransport) ResolvePeers(context.Context) ([]wear.PeerCandidate, error) {
	return []wear.PeerCandidate{{PeerInfo: wear.PeerInfo{ID: "p"}}}, nil
}
func (panicTransport) SendBytes(context.Context, string, wear.Frame) error { panic("driver crashed") }
func (panicTransport) OnBytesReceived(wear.InboundHandler) func()         { return func() {} }
func (panicTransport) Reachable() bool                                    { return true }

func TestMessageBus_TransportPanicBecomesFailure(t *testing.T) {
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: panicTransport{}})
	require.True(t, conn.Connect(context.Background(), fastPolicy()).OK())

	res := conn.Send(context.Background(), wear.NewMessage("ping", nil))
	require.Equal(t, wear.SendFailed, res.Status)
	assert.Equal(t, wear.KindTransportFailure, res.Err.Kind)
	assert.Contains(t, res.Err.Detail, "driver crashed")
}

// stallingTransport blocks every SendBytes until release is closed.
type stallingTransport struct {
	*memory.Endpoint
	entered chan struct{}
	release chan struct{}
}

func (s *stallingTransport) SendBytes(ctx context.Context, peerID string, f wear.Frame) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Endpoint.SendBytes(ctx, peerID, f)
}

func TestMessageBus_ConnectBoundedWhileSendStalls(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	stall := &stallingTransport{
		Endpoint: m.Join(wear.PeerInfo{ID: "watch"}),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: stall})
	require.True(t, conn.Connect(context.Background(), fastPolicy()).OK())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conn.Events(ctx)

	sent := make(chan wear.SendResult, 1)
	go func() { sent <- conn.Send(context.Background(), wear.NewMessage("ping", nil)) }()
	select {
	case <-stall.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the transport")
	}

	policy := fastPolicy()
	policy.ConnectTimeout = 50 * time.Millisecond
	policy.ScanTimeout = 50 * time.Millisecond
	started := time.Now()
	res := conn.Connect(context.Background(), policy)
	elapsed := time.Since(started)

	require.Equal(t, wear.ConnectFailed, res.Outcome, res.String())
	assert.True(t, res.Retryable)
	assert.Equal(t, wear.KindTimeout, res.Err.Kind)
	assert.Equal(t, "connect", res.Err.Operation)
	assert.Less(t, elapsed, time.Second)

	ev := waitEvent(t, events, func(ev wear.Event) bool { return ev.Kind == wear.EventError })
	assert.Equal(t, wear.KindTimeout, ev.Err.Kind)

	close(stall.release)
	select {
	case r := <-sent:
		assert.Equal(t, wear.SendSent, r.Status, r.String())
	case <-time.After(2 * time.Second):
		t.Fatal("stalled send never finished")
	}
}

func TestMessageBus_CoalescedConnectSurvivesFirstCallerCancel(t *testing.T) {
	m := memory.NewMedium()
	phoneSide(t, m)
	watch := m.Join(wear.PeerInfo{ID: "watch"}, memory.WithActivationDelay(200*time.Millisecond))
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: watch})

	policy := fastPolicy()
	policy.ConnectTimeout = 2 * time.Second

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	first := make(chan wear.ConnectionResult, 1)
	go func() { first <- conn.Connect(firstCtx, policy) }()
	require.Eventually(t, func() bool { return watch.Activations() == 1 }, 2*time.Second, time.Millisecond)

	second := make(chan wear.ConnectionResult, 1)
	go func() { second <- conn.Connect(context.Background(), policy) }()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	select {
	case r := <-first:
		assert.Equal(t, wear.ConnectCancelled, r.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("first caller did not return")
	}
	select {
	case r := <-second:
		assert.True(t, r.OK(), r.String())
		assert.Equal(t, "phone", r.Peer.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, 1, watch.Activations())
}

func TestMessageBus_OnReceivedKeepsRequestWhenLockWaitEnds(t *testing.T) {
	m := memory.NewMedium()
	phone, phoneFrames := phoneSide(t, m)
	stall := &stallingTransport{
		Endpoint: m.Join(wear.PeerInfo{ID: "watch"}),
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	conn := newMessageBus(t, Options{Config: testConfig("c"), Transport: stall})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	incoming := conn.Incoming(ctx)
	require.True(t, conn.Connect(ctx, fastPolicy()).OK())

	require.NoError(t, phone.SendBytes(ctx, "watch", wear.Frame{
		Path: "/testClient/request", MessageID: "req-1", ExpectsAck: true,
	}))
	waitMessage(t, incoming)

	sent := make(chan wear.SendResult, 1)
	go func() { sent <- conn.Send(context.Background(), wear.NewMessage("ping", nil)) }()
	<-stall.entered

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	res := conn.OnReceived(waitCtx, "req-1", "pong", []byte("ok"))
	require.Equal(t, wear.SendFailed, res.Status)
	assert.Equal(t, 1, conn.Metrics().PendingReplies)

	close(stall.release)
	<-sent
	res = conn.OnReceived(context.Background(), "req-1", "pong", []byte("ok"))
	assert.Equal(t, wear.SendSent, res.Status, res.String())

	frames := phoneFrames.wait(t, 2)
	assert.Equal(t, "req-1", frames[len(frames)-1].Frame.CorrelationID)
}
