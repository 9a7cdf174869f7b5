// Package session serves client connections on the batch service. A client
// first opens its acknowledgement stream, which is its session, then submits
// batches on unary calls. When the stream ends the client's node is shut down.
package session

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sushant-115/gojotx/core/replication/transport"
	"github.com/sushant-115/gojotx/core/transaction"
)

// DefaultQueueSize is the number of frames buffered per session.
const DefaultQueueSize = 256

var (
	// ErrNoSession is returned when acknowledging a node without a session.
	ErrNoSession = errors.New("no session for node")
	// ErrSlowConsumer closes a session whose frame queue is full.
	ErrSlowConsumer = errors.New("acknowledgement queue full")
	// ErrHubClosed closes the sessions of a stopped hub.
	ErrHubClosed = errors.New("session hub closed")
)

// Batches is where submitted batches go.
type Batches interface {
	ProcessBatch(ctx context.Context, source transaction.NodeID, data []byte) error
	ShutdownNode(ctx context.Context, node transaction.NodeID) error
}

// ResentRegistry is told which transactions a reconnecting client resends.
type ResentRegistry interface {
	AddResentServerTransactionIDs(ids []transaction.ServerTransactionID) error
}

// Config tunes the hub.
type Config struct {
	QueueSize int
}

type session struct {
	node   transaction.NodeID
	frames chan []byte

	once sync.Once
	done chan struct{}
	err  error
}

func (s *session) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Hub implements the batch service and delivers acknowledgements to the
// sessions of connected clients.
type Hub struct {
	transport.UnimplementedBatchServer

	logger    *zap.Logger
	batches   Batches
	queueSize int

	mu       sync.Mutex
	resent   ResentRegistry
	sessions map[transaction.NodeID]*session
	closed   bool
	// refusing is set on a passive server; clients connect to the active.
	refusing bool
}

// NewHub creates a hub feeding batches.
func NewHub(batches Batches, cfg Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Hub{
		logger:    logger.Named("session_hub"),
		batches:   batches,
		queueSize: size,
		sessions:  make(map[transaction.NodeID]*session),
	}
}

// SetResentRegistry sets where resent announcements go. Without one they are refused.
func (h *Hub) SetResentRegistry(r ResentRegistry) {
	h.mu.Lock()
	h.resent = r
	h.mu.Unlock()
}

// SetAccepting opens or closes the hub to client sessions.
func (h *Hub) SetAccepting(accepting bool) {
	h.mu.Lock()
	h.refusing = !accepting
	h.mu.Unlock()
}

// Nodes returns the nodes with an open session, sorted.
func (h *Hub) Nodes() []transaction.NodeID {
	h.mu.Lock()
	out := make([]transaction.NodeID, 0, len(h.sessions))
	for node := range h.sessions {
		out = append(out, node)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func nodeFromContext(ctx context.Context) (transaction.NodeID, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(transport.NodeMetadataKey)
	if len(vals) != 1 || vals[0] == "" {
		return "", status.Errorf(codes.InvalidArgument, "missing %s metadata", transport.NodeMetadataKey)
	}
	return transaction.NodeID(vals[0]), nil
}

func (h *Hub) session(node transaction.NodeID) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[node]
}

// Submit processes one encoded batch. A batch the server cannot take ends
// the session of its client.
func (h *Hub) Submit(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	node, err := nodeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	s := h.session(node)
	if s == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "node %s has no acknowledgement stream", node)
	}
	if err := h.batches.ProcessBatch(ctx, node, in.GetValue()); err != nil {
		h.logger.Warn("closing session after bad batch", zap.String("node", string(node)), zap.Error(err))
		s.close(err)
		return nil, status.Errorf(codes.InvalidArgument, "batch rejected: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// AnnounceResent registers the transactions a reconnecting client resends.
func (h *Hub) AnnounceResent(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	node, err := nodeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	txnIDs, err := DecodeResent(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h.mu.Lock()
	registry := h.resent
	h.mu.Unlock()
	if registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "server does not take resent transactions")
	}
	ids := make([]transaction.ServerTransactionID, len(txnIDs))
	for i, id := range txnIDs {
		ids[i] = transaction.NewServerTransactionID(node, id)
	}
	if err := registry.AddResentServerTransactionIDs(ids); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	h.logger.Info("resent transactions announced", zap.String("node", string(node)), zap.Int("count", len(ids)))
	return &emptypb.Empty{}, nil
}

// Acknowledgements holds the session of the node named by in until the
// client goes away or the session is closed.
func (h *Hub) Acknowledgements(in *wrapperspb.StringValue, stream transport.BatchAcknowledgementsServer) error {
	node := transaction.NodeID(in.GetValue())
	if node == "" {
		return status.Error(codes.InvalidArgument, "empty node id")
	}
	s := &session{node: node, frames: make(chan []byte, h.queueSize), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return status.Error(codes.Unavailable, ErrHubClosed.Error())
	}
	if h.refusing {
		h.mu.Unlock()
		return status.Error(codes.Unavailable, "server is not taking clients")
	}
	if _, dup := h.sessions[node]; dup {
		h.mu.Unlock()
		return status.Errorf(codes.AlreadyExists, "node %s already has a session", node)
	}
	h.sessions[node] = s
	h.mu.Unlock()
	h.logger.Info("session opened", zap.String("node", string(node)))

	defer h.endSession(s)
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		s.close(err)
		return err
	}

	for {
		select {
		case frame := <-s.frames:
			if err := stream.Send(wrapperspb.Bytes(frame)); err != nil {
				s.close(err)
				return err
			}
		case <-s.done:
			if errors.Is(s.err, ErrHubClosed) {
				return status.Error(codes.Unavailable, s.err.Error())
			}
			return status.Error(codes.Aborted, s.err.Error())
		case <-stream.Context().Done():
			s.close(stream.Context().Err())
			return nil
		}
	}
}

func (h *Hub) endSession(s *session) {
	h.mu.Lock()
	if h.sessions[s.node] == s {
		delete(h.sessions, s.node)
	}
	h.mu.Unlock()
	h.logger.Info("session closed", zap.String("node", string(s.node)), zap.Error(s.err))
	if err := h.batches.ShutdownNode(context.Background(), s.node); err != nil {
		h.logger.Warn("node shutdown", zap.String("node", string(s.node)), zap.Error(err))
	}
}

func (h *Hub) send(to transaction.NodeID, f Frame) error {
	s := h.session(to)
	if s == nil {
		return errors.Wrapf(ErrNoSession, "node %s", to)
	}
	select {
	case s.frames <- f.Marshal():
		return nil
	case <-s.done:
		return errors.Wrapf(ErrNoSession, "node %s", to)
	default:
		s.close(ErrSlowConsumer)
		return errors.Wrapf(ErrSlowConsumer, "node %s", to)
	}
}

// SendAcknowledgement tells a client that one of its transactions completed.
func (h *Hub) SendAcknowledgement(to transaction.NodeID, id transaction.ServerTransactionID) error {
	return h.send(to, Frame{Kind: FrameTxnAcks, IDs: []uint64{uint64(id.TxnID)}})
}

// SendBatchAcknowledgements tells a client its batches completed.
func (h *Hub) SendBatchAcknowledgements(to transaction.NodeID, batches []transaction.BatchID) error {
	ids := make([]uint64, len(batches))
	for i, b := range batches {
		ids[i] = uint64(b)
	}
	return h.send(to, Frame{Kind: FrameBatchAcks, IDs: ids})
}

// Disconnect ends the session of node with err. It reports whether the node had one.
func (h *Hub) Disconnect(node transaction.NodeID, err error) bool {
	s := h.session(node)
	if s == nil {
		return false
	}
	h.logger.Warn("disconnecting node", zap.String("node", string(node)), zap.Error(err))
	s.close(err)
	return true
}

// Close ends every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.close(ErrHubClosed)
	}
}
