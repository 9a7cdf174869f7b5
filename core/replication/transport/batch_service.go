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
	// BatchServiceName is the fully qualified name of the client batch service.
	BatchServiceName = "gojotx.txn.BatchService"

	// NodeMetadataKey carries the client node id on unary calls.
	NodeMetadataKey = "gojotx-node"

	SubmitFullMethod           = "/" + BatchServiceName + "/Submit"
	AnnounceResentFullMethod   = "/" + BatchServiceName + "/AnnounceResent"
	AcknowledgementsFullMethod = "/" + BatchServiceName + "/Acknowledgements"
)

// BatchClient is the client API of the batch service.
type BatchClient interface {
	// Submit sends an encoded transaction batch.
	Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	// AnnounceResent names the transactions a reconnecting client will resend.
	AnnounceResent(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	// Acknowledgements opens the stream of acknowledgements for the node in.
	Acknowledgements(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (BatchAcknowledgementsClient, error)
}

type batchClient struct {
	cc grpc.ClientConnInterface
}

// NewBatchClient returns a client calling through cc.
func NewBatchClient(cc grpc.ClientConnInterface) BatchClient {
	return &batchClient{cc}
}

func (c *batchClient) Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, SubmitFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *batchClient) AnnounceResent(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, AnnounceResentFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *batchClient) Acknowledgements(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (BatchAcknowledgementsClient, error) {
	stream, err := c.cc.NewStream(ctx, &BatchServiceDesc.Streams[0], AcknowledgementsFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &batchAcknowledgementsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// BatchAcknowledgementsClient receives acknowledgement frames.
type BatchAcknowledgementsClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type batchAcknowledgementsClient struct {
	grpc.ClientStream
}

func (x *batchAcknowledgementsClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BatchServer is the server API of the batch service.
type BatchServer interface {
	Submit(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	AnnounceResent(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Acknowledgements(*wrapperspb.StringValue, BatchAcknowledgementsServer) error
}

// BatchAcknowledgementsServer sends acknowledgement frames.
type BatchAcknowledgementsServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type batchAcknowledgementsServer struct {
	grpc.ServerStream
}

func (x *batchAcknowledgementsServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

// UnimplementedBatchServer answers every call with codes.Unimplemented.
type UnimplementedBatchServer struct{}

func (UnimplementedBatchServer) Submit(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Submit not implemented")
}

func (UnimplementedBatchServer) AnnounceResent(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method AnnounceResent not implemented")
}

func (UnimplementedBatchServer) Acknowledgements(*wrapperspb.StringValue, BatchAcknowledgementsServer) error {
	return status.Errorf(codes.Unimplemented, "method Acknowledgements not implemented")
}

// RegisterBatchServer registers srv with s.
func RegisterBatchServer(s grpc.ServiceRegistrar, srv BatchServer) {
	s.RegisterService(&BatchServiceDesc, srv)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BatchServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BatchServer).Submit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func announceResentHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BatchServer).AnnounceResent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AnnounceResentFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BatchServer).AnnounceResent(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func acknowledgementsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BatchServer).Acknowledgements(m, &batchAcknowledgementsServer{stream})
}

// BatchServiceDesc describes the batch service to grpc.Server.
var BatchServiceDesc = grpc.ServiceDesc{
	ServiceName: BatchServiceName,
	HandlerType: (*BatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "AnnounceResent", Handler: announceResentHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Acknowledgements", Handler: acknowledgementsHandler, ServerStreams: true},
	},
	Metadata: "batch.proto",
}
