package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

func TestFrame_PreservesBinaryPayloadAndTimestamp(t *testing.T) {
	in := wear.Frame{
		Path:          "/wearlink/send",
		Payload:       []byte{0x00, 0xff, 0x10, 'h', 'i'},
		MessageID:     "msg-001",
		CorrelationID: "req-9",
		ExpectsAck:    true,
		TimestampMs:   1_700_000_000_123,
	}

	b, err := Marshal(in)
	require.NoError(t, err)
	out, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMarshal_IsDeterministic(t *testing.T) {
	f := wear.Frame{Path: "/wearlink/send", Payload: []byte("x"), MessageID: "a", CorrelationID: "b", TimestampMs: 5}
	first, err := Marshal(f)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(f)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecodeFrame_OptionalFieldsOmitted(t *testing.T) {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		"path": structpb.NewStringValue("/wearlink/ping"),
	}}
	f, err := DecodeFrame(s)
	require.NoError(t, err)
	assert.Equal(t, wear.Frame{Path: "/wearlink/ping"}, f)
}

func TestDecodeFrame_Errors(t *testing.T) {
	_, err := DecodeFrame(&structpb.Struct{})
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = DecodeFrame(&structpb.Struct{Fields: map[string]*structpb.Value{
		"path": structpb.NewNumberValue(3),
	}})
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = DecodeFrame(&structpb.Struct{Fields: map[string]*structpb.Value{
		"path":        structpb.NewStringValue("/p"),
		"expects_ack": structpb.NewStringValue("yes"),
	}})
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = DecodeFrame(&structpb.Struct{Fields: map[string]*structpb.Value{
		"path":    structpb.NewStringValue("/p"),
		"payload": structpb.NewStringValue("not base64!"),
	}})
	assert.Error(t, err)
}

func TestInboundAndDelivery(t *testing.T) {
	f := wear.Frame{Path: "/wearlink/send", Payload: []byte("72")}

	kind, err := Kind(Inbound("watch", f))
	require.NoError(t, err)
	assert.Equal(t, KindFrame, kind)

	from, got, err := DecodeInbound(Inbound("watch", f))
	require.NoError(t, err)
	assert.Equal(t, "watch", from)
	assert.Equal(t, f, got)

	to, got, err := DecodeDelivery(Delivery("phone", f))
	require.NoError(t, err)
	assert.Equal(t, "phone", to)
	assert.Equal(t, f, got)

	_, _, err = DecodeDelivery(&structpb.Struct{Fields: map[string]*structpb.Value{
		"to": structpb.NewStringValue("phone"),
	}})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestKind(t *testing.T) {
	kind, err := Kind(Ready())
	require.NoError(t, err)
	assert.Equal(t, KindReady, kind)

	_, err = Kind(&structpb.Struct{Fields: map[string]*structpb.Value{
		"kind": structpb.NewStringValue("bogus"),
	}})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPeers(t *testing.T) {
	peers := []wear.PeerCandidate{
		{PeerInfo: wear.PeerInfo{ID: "watch-1", Name: "Galaxy Watch", Model: "SM-R930", OSVersion: "5"}, Nearby: true},
		{PeerInfo: wear.PeerInfo{ID: "watch-2"}},
	}
	got, err := DecodePeers(EncodePeers(peers))
	require.NoError(t, err)
	assert.Equal(t, peers, got)

	none, err := DecodePeers(&structpb.Struct{})
	require.NoError(t, err)
	assert.Empty(t, none)
}
