package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/gojotx/core/replication/transport"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
)

// echoBatches acknowledges every batch as soon as it decoded.
type echoBatches struct {
	fakeBatches
	hub *Hub

	mu      sync.Mutex
	decoded []*batch.Context
}

func (e *echoBatches) ProcessBatch(_ context.Context, source transaction.NodeID, data []byte) error {
	bc, err := batch.Decode(source, data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.decoded = append(e.decoded, bc)
	e.mu.Unlock()
	go func() {
		_ = e.hub.SendBatchAcknowledgements(source, []transaction.BatchID{bc.Header.BatchID})
	}()
	return nil
}

func dialHub(t *testing.T, h *Hub) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	transport.RegisterBatchServer(s, h)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///hub",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func newTxn(t *testing.T, oid transaction.ObjectID) *transaction.ServerTransaction {
	t.Helper()
	txn, err := transaction.New(&transaction.ServerTransaction{
		Changes: []transaction.Change{{ObjectID: oid, TypeName: "app.Counter", Actions: []transaction.Action{
			{Kind: transaction.ActionPhysicalSet, Field: "n", Value: []byte{1}},
		}}},
	})
	require.NoError(t, err)
	return txn
}

func TestClientNumbersAndWaits(t *testing.T) {
	echo := &echoBatches{}
	h := NewHub(echo, Config{}, nil)
	echo.hub = h
	cc := dialHub(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := NewClient(ctx, cc, "client-1", nil)
	require.NoError(t, err)
	require.Equal(t, []transaction.NodeID{"client-1"}, h.Nodes())

	first, err := c.Submit(ctx, []*transaction.ServerTransaction{newTxn(t, 1), newTxn(t, 2)})
	require.NoError(t, err)
	second, err := c.Submit(ctx, []*transaction.ServerTransaction{newTxn(t, 3)})
	require.NoError(t, err)
	require.EqualValues(t, 1, first)
	require.EqualValues(t, 2, second)
	require.NoError(t, c.WaitBatch(ctx, first))
	require.NoError(t, c.WaitBatch(ctx, second))

	echo.mu.Lock()
	require.Len(t, echo.decoded, 2)
	last := echo.decoded[1].Transactions[0]
	echo.mu.Unlock()
	require.EqualValues(t, 3, last.ID)
	require.EqualValues(t, 3, last.SequenceID)
	require.Equal(t, transaction.NodeID("client-1"), last.Source)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return len(echo.shutdowns()) == 1 }, 5*time.Second, 5*time.Millisecond)
	_, err = c.Submit(ctx, []*transaction.ServerTransaction{newTxn(t, 4)})
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClientSeesRefusedSession(t *testing.T) {
	h := NewHub(&fakeBatches{}, Config{}, nil)
	h.SetAccepting(false)
	cc := dialHub(t, h)

	_, err := NewClient(context.Background(), cc, "client-1", nil)
	require.Error(t, err)
}
