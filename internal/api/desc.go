// Package api exposes a messaging engine to other processes over gRPC.
//
// The service chatsync.v1.StateService is described by hand on protobuf
// well-known types: requests and responses are structpb.Struct or
// emptypb.Empty, so no generated code is needed.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "chatsync.v1.StateService"

// StateServiceServer is the server API of chatsync.v1.StateService.
type StateServiceServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkAsRead(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SelectConversation(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Connect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Disconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
	WatchEvents(*emptypb.Empty, grpc.ServerStream) error
}

// unary builds the method descriptor of a unary call.
func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(StateServiceServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StateServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StateServiceServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// serverStream builds the descriptor of a server-streaming call taking an
// empty request.
func serverStream(name string, call func(StateServiceServer, *emptypb.Empty, grpc.ServerStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(emptypb.Empty)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(StateServiceServer), in, stream)
		},
	}
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }

// ServiceDesc describes chatsync.v1.StateService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetSnapshot", newEmpty, StateServiceServer.GetSnapshot),
		unary("SendMessage", newStruct, StateServiceServer.SendMessage),
		unary("MarkAsRead", newStruct, StateServiceServer.MarkAsRead),
		unary("LoadMore", newStruct, StateServiceServer.LoadMore),
		unary("SetTyping", newStruct, StateServiceServer.SetTyping),
		unary("SelectConversation", newStruct, StateServiceServer.SelectConversation),
		unary("Connect", newEmpty, StateServiceServer.Connect),
		unary("Disconnect", newEmpty, StateServiceServer.Disconnect),
	},
	Streams: []grpc.StreamDesc{
		serverStream("Watch", StateServiceServer.Watch),
		serverStream("WatchEvents", StateServiceServer.WatchEvents),
	},
	Metadata: "chatsync/v1/state.proto",
}

// Register adds the service to s.
func Register(s *grpc.Server, srv StateServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
