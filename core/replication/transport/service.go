// Package transport defines the gRPC services of a gojotx server: the batch
// service clients submit transactions through, and the replication service
// between an active server and its passives. Payloads are opaque bytes in
// protobuf wrappers; the session and relay packages own their encoding.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified name of the replication service.
	ServiceName = "gojotx.replication.ReplicationService"

	RelayFullMethod      = "/" + ServiceName + "/Relay"
	AckRelayedFullMethod = "/" + ServiceName + "/AckRelayed"
)

// ReplicationClient is the client API of the replication service.
type ReplicationClient interface {
	// Relay sends an encoded relay envelope from the active to a passive.
	Relay(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	// AckRelayed sends encoded relay acknowledgements from a passive to the active.
	AckRelayed(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationClient returns a client calling through cc.
func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc}
}

func (c *replicationClient) Relay(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, RelayFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicationClient) AckRelayed(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, AckRelayedFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplicationServer is the server API of the replication service.
type ReplicationServer interface {
	Relay(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	AckRelayed(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// UnimplementedReplicationServer answers every call with codes.Unimplemented.
type UnimplementedReplicationServer struct{}

func (UnimplementedReplicationServer) Relay(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Relay not implemented")
}

func (UnimplementedReplicationServer) AckRelayed(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method AckRelayed not implemented")
}

// RegisterReplicationServer registers srv with s.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&ReplicationServiceDesc, srv)
}

func relayHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).Relay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RelayFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).Relay(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func ackRelayedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).AckRelayed(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AckRelayedFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).AckRelayed(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ReplicationServiceDesc describes the replication service to grpc.Server.
var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Relay", Handler: relayHandler},
		{MethodName: "AckRelayed", Handler: ackRelayedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replication.proto",
}
