package session

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sushant-115/gojotx/core/replication/transport"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
)

// ErrClientClosed is returned by a client whose session ended.
var ErrClientClosed = errors.New("session client closed")

// Client is one client node of a gojotx server. It numbers its transactions
// and batches, and waits for their acknowledgements on its session stream.
type Client struct {
	logger *zap.Logger
	node   transaction.NodeID
	rpc    transport.BatchClient
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	nextTxn   transaction.TransactionID
	nextBatch transaction.BatchID
	nextSeq   transaction.SequenceID
	batches   map[transaction.BatchID]chan struct{}
	acked     int
	err       error
}

// NewClient opens the session of node over cc.
func NewClient(ctx context.Context, cc grpc.ClientConnInterface, node transaction.NodeID, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpc := transport.NewBatchClient(cc)
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := rpc.Acknowledgements(streamCtx, wrapperspb.String(string(node)))
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "open session of %s", node)
	}
	// the header proves the server registered the session; a refused
	// stream has none and tells why on Recv
	stop := context.AfterFunc(ctx, cancel)
	md, err := stream.Header()
	if !stop() {
		err = ctx.Err()
	}
	if err == nil && md == nil {
		if _, err = stream.Recv(); err == nil {
			err = ErrClientClosed
		}
	}
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "open session of %s", node)
	}
	c := &Client{
		logger:  logger.Named("session_client").With(zap.String("node", string(node))),
		node:    node,
		rpc:     rpc,
		cancel:  cancel,
		done:    make(chan struct{}),
		batches: make(map[transaction.BatchID]chan struct{}),
	}
	go c.recvLoop(stream)
	return c, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, transport.NodeMetadataKey, string(c.node))
}

func (c *Client) recvLoop(stream transport.BatchAcknowledgementsClient) {
	defer close(c.done)
	for {
		msg, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				err = ErrClientClosed
			}
			c.fail(err)
			return
		}
		f, err := UnmarshalFrame(msg.GetValue())
		if err != nil {
			c.fail(err)
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f.Kind {
	case FrameBatchAcks:
		for _, id := range f.IDs {
			if ch, ok := c.batches[transaction.BatchID(id)]; ok {
				close(ch)
				delete(c.batches, transaction.BatchID(id))
			}
		}
	case FrameTxnAcks:
		c.acked += len(f.IDs)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.logger.Debug("session ended", zap.Error(err))
}

// Err returns why the session ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Submit numbers txns as the next transactions of the client and sends them
// as one batch. Changes must already be set.
func (c *Client) Submit(ctx context.Context, txns []*transaction.ServerTransaction) (transaction.BatchID, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, errors.Wrap(ErrClientClosed, err.Error())
	}
	c.nextBatch++
	batchID := c.nextBatch
	for _, txn := range txns {
		c.nextTxn++
		c.nextSeq++
		txn.ID, txn.SequenceID, txn.Source, txn.BatchID = c.nextTxn, c.nextSeq, c.node, batchID
	}
	wait := make(chan struct{})
	c.batches[batchID] = wait
	c.mu.Unlock()

	data, err := batch.Encode(batchID, txns)
	if err == nil {
		_, err = c.rpc.Submit(c.outgoing(ctx), wrapperspb.Bytes(data))
	}
	if err != nil {
		c.mu.Lock()
		delete(c.batches, batchID)
		c.mu.Unlock()
		return 0, errors.Wrapf(err, "submit batch %d", batchID)
	}
	return batchID, nil
}

// WaitBatch blocks until the server acknowledged id.
func (c *Client) WaitBatch(ctx context.Context, id transaction.BatchID) error {
	c.mu.Lock()
	wait, ok := c.batches[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-c.done:
		// the ack may have been the last frame
		select {
		case <-wait:
			return nil
		default:
		}
		return errors.Wrapf(ErrClientClosed, "batch %d: %v", id, c.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AnnounceResent tells a new active server which transactions will be resent.
func (c *Client) AnnounceResent(ctx context.Context, ids []transaction.TransactionID) error {
	_, err := c.rpc.AnnounceResent(c.outgoing(ctx), wrapperspb.Bytes(EncodeResent(ids)))
	return err
}

// Acknowledged returns how many single transaction acks arrived.
func (c *Client) Acknowledged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// Close ends the session. The server shuts the node down.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}
