package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sushant-115/gojotx/core/replication/transport"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
)

// Service serves the replication RPCs of one server. A passive handles
// Relay, an active handles AckRelayed; a server that became active swaps
// its sides with SetActive.
type Service struct {
	transport.UnimplementedReplicationServer

	logger *zap.Logger

	mu      sync.RWMutex
	active  *Active
	passive *Passive
}

// NewService creates a service with neither side set.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger.Named("replication_service")}
}

// SetActive makes the service accept acks for a and stop accepting relays.
func (s *Service) SetActive(a *Active) {
	s.mu.Lock()
	s.active, s.passive = a, nil
	s.mu.Unlock()
}

// SetPassive makes the service accept relays for p.
func (s *Service) SetPassive(p *Passive) {
	s.mu.Lock()
	s.passive, s.active = p, nil
	s.mu.Unlock()
}

func (s *Service) Relay(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	s.mu.RLock()
	p := s.passive
	s.mu.RUnlock()
	if p == nil {
		return nil, status.Error(codes.FailedPrecondition, "server is not passive")
	}
	env, err := UnmarshalEnvelope(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := p.HandleRelay(ctx, env); err != nil {
		s.logger.Error("failed to process relayed batch", zap.String("source", string(env.Source)), zap.Error(err))
		return nil, status.Error(errorCode(err), err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) AckRelayed(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	s.mu.RLock()
	a := s.active
	s.mu.RUnlock()
	if a == nil {
		return nil, status.Error(codes.FailedPrecondition, "server is not active")
	}
	ack, err := UnmarshalAck(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := a.HandleAck(ack); err != nil {
		return nil, status.Error(errorCode(err), err.Error())
	}
	return &emptypb.Empty{}, nil
}

func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, batch.ErrMalformedBatch), errors.Is(err, ErrMissingAssignment):
		return codes.InvalidArgument
	case errors.Is(err, ErrUnknownPassive):
		return codes.PermissionDenied
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// ClientNotifier acknowledges completed transactions to clients.
type ClientNotifier interface {
	SendAcknowledgement(to transaction.NodeID, id transaction.ServerTransactionID) error
}

// Transport is the acknowledgement transport of the transaction manager:
// client acks go to the client notifier, relay acks to the passive receiver.
type Transport struct {
	clients ClientNotifier
	passive *Passive
}

// NewTransport joins the two acknowledgement paths. Either may be nil.
func NewTransport(clients ClientNotifier, passive *Passive) *Transport {
	return &Transport{clients: clients, passive: passive}
}

func (t *Transport) SendAcknowledgement(to transaction.NodeID, id transaction.ServerTransactionID) error {
	if t.clients == nil {
		return nil
	}
	return t.clients.SendAcknowledgement(to, id)
}

func (t *Transport) SendRelayAcknowledgement(id transaction.ServerTransactionID) error {
	if t.passive == nil {
		return errors.Errorf("relay ack of %s without passive receiver", id)
	}
	return t.passive.SendRelayAcknowledgement(id)
}
