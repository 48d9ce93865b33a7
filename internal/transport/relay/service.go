// Package relay is a network transport: devices hold a subscribe stream open
// to a relay server and address frames to each other by device id. Each
// device authenticates with a pairing token; a missing or rejected token
// surfaces as PairingRequired.
package relay

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName        = "wearlink.relay.v1.Relay"
	methodDeliver      = "/" + serviceName + "/Deliver"
	methodListPeers    = "/" + serviceName + "/ListPeers"
	methodSubscribe    = "/" + serviceName + "/Subscribe"
	streamIdxSubscribe = 0
)

// relayService is implemented by Server. Messages are well-known protobuf
// types, so the service needs no generated code.
type relayService interface {
	Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	ListPeers(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Subscribe(req *emptypb.Empty, stream grpc.ServerStream) error
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(relayService).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeliver}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(relayService).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listPeersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(relayService).ListPeers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListPeers}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(relayService).ListPeers(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(relayService).Subscribe(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*relayService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "ListPeers", Handler: listPeersHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "wearlink/relay/v1/relay.proto",
}
