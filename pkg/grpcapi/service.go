package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "snf.v1.SnfService"

// Method names.
const (
	MethodGetStatus        = "GetStatus"
	MethodGetHookStats     = "GetHookStats"
	MethodGetState         = "GetState"
	MethodListStates       = "ListStates"
	MethodGetReport        = "GetReport"
	MethodListShadow       = "ListShadow"
	MethodListForwarding   = "ListForwarding"
	MethodSetForwarding    = "SetForwarding"
	MethodDeleteForwarding = "DeleteForwarding"
	MethodListEvents       = "ListEvents"
)

// SnfServiceServer is the service implemented by Server. Requests and
// responses are generic protobuf Structs carrying the JSON shapes of the
// types in this package.
type SnfServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetHookStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListStates(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetReport(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListShadow(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListForwarding(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetForwarding(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteForwarding(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterSnfServiceServer registers srv on s.
func RegisterSnfServiceServer(s grpc.ServiceRegistrar, srv SnfServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

// ServiceDesc describes SnfService for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnfServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MethodGetStatus, newEmpty, SnfServiceServer.GetStatus),
		method(MethodGetHookStats, newEmpty, SnfServiceServer.GetHookStats),
		method(MethodGetState, newStruct, SnfServiceServer.GetState),
		method(MethodListStates, newEmpty, SnfServiceServer.ListStates),
		method(MethodGetReport, newEmpty, SnfServiceServer.GetReport),
		method(MethodListShadow, newEmpty, SnfServiceServer.ListShadow),
		method(MethodListForwarding, newEmpty, SnfServiceServer.ListForwarding),
		method(MethodSetForwarding, newStruct, SnfServiceServer.SetForwarding),
		method(MethodDeleteForwarding, newStruct, SnfServiceServer.DeleteForwarding),
		method(MethodListEvents, newStruct, SnfServiceServer.ListEvents),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "snf/v1/snf.proto",
}

// method builds the unary handler for one RPC.
func method[Req, Resp proto.Message](name string, newReq func() Req,
	call func(SnfServiceServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(SnfServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(impl, ctx, req.(Req))
			})
		},
	}
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// toStruct converts v to a Struct through its JSON encoding. v must encode
// as a JSON object.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into out through JSON. Numbers travel as doubles.
func fromStruct(s *structpb.Struct, out any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
