package transport

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type countingBatchServer struct {
	UnimplementedBatchServer
	submitted chan []byte
}

func (s *countingBatchServer) Submit(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	s.submitted <- in.GetValue()
	return &emptypb.Empty{}, nil
}

func (s *countingBatchServer) Acknowledgements(in *wrapperspb.StringValue, stream BatchAcknowledgementsServer) error {
	for i := byte(0); i < 3; i++ {
		if err := stream.Send(wrapperspb.Bytes([]byte{i})); err != nil {
			return err
		}
	}
	if in.GetValue() == "unlucky" {
		return status.Error(codes.Aborted, "go away")
	}
	return nil
}

func dialBatch(t *testing.T, srv BatchServer) BatchClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterBatchServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return NewBatchClient(cc)
}

func TestSubmitAndStreamAcknowledgements(t *testing.T) {
	srv := &countingBatchServer{submitted: make(chan []byte, 1)}
	client := dialBatch(t, srv)

	_, err := client.Submit(context.Background(), wrapperspb.Bytes([]byte("batch")))
	require.NoError(t, err)
	require.Equal(t, []byte("batch"), <-srv.submitted)

	stream, err := client.Acknowledgements(context.Background(), wrapperspb.String("client-1"))
	require.NoError(t, err)
	var got []byte
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, msg.GetValue()...)
	}
	require.Equal(t, []byte{0, 1, 2}, got)
}

func TestAcknowledgementStreamError(t *testing.T) {
	client := dialBatch(t, &countingBatchServer{submitted: make(chan []byte, 1)})

	stream, err := client.Acknowledgements(context.Background(), wrapperspb.String("unlucky"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := stream.Recv()
		require.NoError(t, err)
	}
	_, err = stream.Recv()
	require.Equal(t, codes.Aborted, status.Code(err))

	_, err = client.AnnounceResent(context.Background(), wrapperspb.Bytes(nil))
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
