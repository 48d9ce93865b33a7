// Package envelope converts frames and peer lists to and from
// google.protobuf.Struct, the message shape carried by the relay service.
//
// Payloads travel base64-encoded. Numbers travel as doubles, so timestamps
// are exact up to 2^53 milliseconds.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/wearlink-go/pkg/wear"
)

// Envelope kinds on the subscribe stream.
const (
	KindReady = "ready"
	KindFrame = "frame"
)

const (
	fieldKind          = "kind"
	fieldFrom          = "from"
	fieldTo            = "to"
	fieldFrame         = "frame"
	fieldPeers         = "peers"
	fieldPath          = "path"
	fieldPayload       = "payload"
	fieldMessageID     = "message_id"
	fieldCorrelationID = "correlation_id"
	fieldExpectsAck    = "expects_ack"
	fieldTimestampMs   = "timestamp_ms"
	fieldID            = "id"
	fieldName          = "name"
	fieldModel         = "model"
	fieldOSVersion     = "os_version"
	fieldNearby        = "nearby"
)

var (
	ErrMissingField = errors.New("envelope field missing")
	ErrWrongType    = errors.New("envelope field has wrong type")
	ErrUnknownKind  = errors.New("unknown envelope kind")
)

// EncodeFrame converts f to a Struct.
func EncodeFrame(f wear.Frame) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldPath:        structpb.NewStringValue(f.Path),
		fieldPayload:     structpb.NewStringValue(base64.StdEncoding.EncodeToString(f.Payload)),
		fieldExpectsAck:  structpb.NewBoolValue(f.ExpectsAck),
		fieldTimestampMs: structpb.NewNumberValue(float64(f.TimestampMs)),
	}
	if f.MessageID != "" {
		fields[fieldMessageID] = structpb.NewStringValue(f.MessageID)
	}
	if f.CorrelationID != "" {
		fields[fieldCorrelationID] = structpb.NewStringValue(f.CorrelationID)
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeFrame converts s back to a frame. Path is required; everything else
// defaults to its zero value.
func DecodeFrame(s *structpb.Struct) (wear.Frame, error) {
	path, err := requiredString(s, fieldPath)
	if err != nil {
		return wear.Frame{}, err
	}
	f := wear.Frame{Path: path}

	if f.MessageID, err = optionalString(s, fieldMessageID); err != nil {
		return wear.Frame{}, err
	}
	if f.CorrelationID, err = optionalString(s, fieldCorrelationID); err != nil {
		return wear.Frame{}, err
	}
	encoded, err := optionalString(s, fieldPayload)
	if err != nil {
		return wear.Frame{}, err
	}
	if encoded != "" {
		if f.Payload, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return wear.Frame{}, fmt.Errorf("decode %s: %w", fieldPayload, err)
		}
	}
	if v, ok := s.GetFields()[fieldExpectsAck]; ok {
		b, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return wear.Frame{}, fmt.Errorf("%w: %s", ErrWrongType, fieldExpectsAck)
		}
		f.ExpectsAck = b.BoolValue
	}
	if v, ok := s.GetFields()[fieldTimestampMs]; ok {
		n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
		if !isNumber {
			return wear.Frame{}, fmt.Errorf("%w: %s", ErrWrongType, fieldTimestampMs)
		}
		f.TimestampMs = int64(n.NumberValue)
	}
	return f, nil
}

// Ready is the first envelope sent on a subscribe stream.
func Ready() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldKind: structpb.NewStringValue(KindReady),
	}}
}

// Inbound wraps a frame received from a device for delivery on a stream.
func Inbound(from string, f wear.Frame) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldKind:  structpb.NewStringValue(KindFrame),
		fieldFrom:  structpb.NewStringValue(from),
		fieldFrame: structpb.NewStructValue(EncodeFrame(f)),
	}}
}

// Kind returns the kind tag of a stream envelope.
func Kind(s *structpb.Struct) (string, error) {
	kind, err := requiredString(s, fieldKind)
	if err != nil {
		return "", err
	}
	switch kind {
	case KindReady, KindFrame:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// DecodeInbound unwraps an envelope built by Inbound.
func DecodeInbound(s *structpb.Struct) (from string, f wear.Frame, err error) {
	if from, err = requiredString(s, fieldFrom); err != nil {
		return "", wear.Frame{}, err
	}
	inner, err := requiredStruct(s, fieldFrame)
	if err != nil {
		return "", wear.Frame{}, err
	}
	f, err = DecodeFrame(inner)
	return from, f, err
}

// Delivery addresses a frame to a device.
func Delivery(to string, f wear.Frame) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldTo:    structpb.NewStringValue(to),
		fieldFrame: structpb.NewStructValue(EncodeFrame(f)),
	}}
}

// DecodeDelivery unwraps an envelope built by Delivery.
func DecodeDelivery(s *structpb.Struct) (to string, f wear.Frame, err error) {
	if to, err = requiredString(s, fieldTo); err != nil {
		return "", wear.Frame{}, err
	}
	inner, err := requiredStruct(s, fieldFrame)
	if err != nil {
		return "", wear.Frame{}, err
	}
	f, err = DecodeFrame(inner)
	return to, f, err
}

// EncodePeers converts a peer list.
func EncodePeers(peers []wear.PeerCandidate) *structpb.Struct {
	values := make([]*structpb.Value, 0, len(peers))
	for _, p := range peers {
		values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldID:        structpb.NewStringValue(p.ID),
			fieldName:      structpb.NewStringValue(p.Name),
			fieldModel:     structpb.NewStringValue(p.Model),
			fieldOSVersion: structpb.NewStringValue(p.OSVersion),
			fieldNearby:    structpb.NewBoolValue(p.Nearby),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPeers: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// DecodePeers converts a peer list back. Entries without an id are skipped.
func DecodePeers(s *structpb.Struct) ([]wear.PeerCandidate, error) {
	v, ok := s.GetFields()[fieldPeers]
	if !ok {
		return nil, nil
	}
	list, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, fieldPeers)
	}

	var out []wear.PeerCandidate
	for _, item := range list.ListValue.GetValues() {
		entry := item.GetStructValue()
		if entry == nil {
			return nil, fmt.Errorf("%w: %s entry", ErrWrongType, fieldPeers)
		}
		fields := entry.GetFields()
		id := fields[fieldID].GetStringValue()
		if id == "" {
			continue
		}
		out = append(out, wear.PeerCandidate{
			PeerInfo: wear.PeerInfo{
				ID:        id,
				Name:      fields[fieldName].GetStringValue(),
				Model:     fields[fieldModel].GetStringValue(),
				OSVersion: fields[fieldOSVersion].GetStringValue(),
			},
			Nearby: fields[fieldNearby].GetBoolValue(),
		})
	}
	return out, nil
}

// Marshal encodes f to protobuf bytes. Output is deterministic.
func Marshal(f wear.Frame) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(EncodeFrame(f))
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(b []byte) (wear.Frame, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return wear.Frame{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return DecodeFrame(&s)
}

func requiredString(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	str, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return "", fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	return str.StringValue, nil
}

func optionalString(s *structpb.Struct, key string) (string, error) {
	if _, ok := s.GetFields()[key]; !ok {
		return "", nil
	}
	return requiredString(s, key)
}

func requiredStruct(s *structpb.Struct, key string) (*structpb.Struct, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	inner := v.GetStructValue()
	if inner == nil {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	return inner, nil
}
