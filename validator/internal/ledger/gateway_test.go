package ledger

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// gateway is the server half of the ledger contract, served over bufconn
// by the client tests.
type gateway interface {
	BlocksSinceLastUpdate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	MinInterval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubmitWeights(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListNodes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type gatewayMethod func(gateway, context.Context, *structpb.Struct) (*structpb.Struct, error)

func gatewayHandler(name string, m gatewayMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			gw := srv.(gateway)
			if interceptor == nil {
				return m(gw, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return m(gw, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var gatewayDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*gateway)(nil),
	Methods: []grpc.MethodDesc{
		gatewayHandler("BlocksSinceLastUpdate", gateway.BlocksSinceLastUpdate),
		gatewayHandler("MinInterval", gateway.MinInterval),
		gatewayHandler("SubmitWeights", gateway.SubmitWeights),
		gatewayHandler("ListNodes", gateway.ListNodes),
	},
}

// requireKey rejects calls whose header metadata does not carry key.
func requireKey(header, key string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		if vals := md.Get(header); len(vals) == 0 || vals[0] != key {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}
		return handler(ctx, req)
	}
}
