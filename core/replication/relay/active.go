package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sushant-115/gojotx/core/replication/transport"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
	"github.com/sushant-115/gojotx/core/transaction/resent"
)

// ErrUnknownPassive is returned for an ack from a node that is not a passive.
var ErrUnknownPassive = errors.New("ack from unknown passive")

// Peer is a passive server.
type Peer struct {
	ID      transaction.NodeID
	Address string
}

// Dialer hands out client connections to peers.
type Dialer interface {
	Get(address string) (*grpc.ClientConn, error)
	Remove(address string) error
}

// RelayTracker is the transaction manager as seen by the relayer.
type RelayTracker interface {
	IsActive() bool
	// TransactionsRelayed is told when every passive received ids.
	TransactionsRelayed(ids []transaction.ServerTransactionID)
}

// ActiveConfig tunes the active relayer.
type ActiveConfig struct {
	Peers []Peer
	// RatePerSecond limits relay calls per passive connection; zero is unlimited.
	RatePerSecond float64
	Burst         int
}

// Active decorates the batch processor of the active server. Once a batch
// is registered, and so numbered with GIDs, it is relayed to every passive
// in registration order. A transaction counts as relayed when every passive
// that received it acknowledged it, or was dropped. While the transaction
// manager is passive, batches only pass through.
type Active struct {
	logger  *zap.Logger
	next    resent.Processor
	tracker RelayTracker
	dialer  Dialer
	limiter *rate.Limiter
	session uuid.UUID

	mu      sync.Mutex
	peers   map[transaction.NodeID]Peer
	waiting map[transaction.ServerTransactionID]map[transaction.NodeID]struct{}
}

// NewActive creates the relayer. The session id is fresh for every instance.
func NewActive(next resent.Processor, tracker RelayTracker, dialer Dialer, cfg ActiveConfig, logger *zap.Logger) *Active {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	a := &Active{
		logger:  logger.Named("relay_active"),
		next:    next,
		tracker: tracker,
		dialer:  dialer,
		limiter: rate.NewLimiter(limit, burst),
		session: uuid.New(),
		peers:   make(map[transaction.NodeID]Peer),
		waiting: make(map[transaction.ServerTransactionID]map[transaction.NodeID]struct{}),
	}
	for _, p := range cfg.Peers {
		a.peers[p.ID] = p
	}
	return a
}

// Session returns the relay session id of this active.
func (a *Active) Session() uuid.UUID { return a.session }

// Peers returns the passives still relayed to.
func (a *Active) Peers() []Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Peer, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, p)
	}
	return out
}

// ProcessBatch registers b with the next processor and relays it.
func (a *Active) ProcessBatch(ctx context.Context, b *batch.Context) error {
	if err := a.next.ProcessBatch(ctx, b); err != nil {
		return err
	}
	if b.Len() == 0 || !a.tracker.IsActive() {
		return nil
	}
	ids := b.ServerTransactionIDs()

	a.mu.Lock()
	peers := make([]Peer, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	if len(peers) > 0 {
		for _, id := range ids {
			set := make(map[transaction.NodeID]struct{}, len(peers))
			for _, p := range peers {
				set[p.ID] = struct{}{}
			}
			a.waiting[id] = set
		}
	}
	a.mu.Unlock()

	if len(peers) == 0 {
		a.tracker.TransactionsRelayed(ids)
		return nil
	}

	payload, err := a.envelope(b)
	if err != nil {
		// the batch is registered; drop the passives rather than stall its transactions
		a.logger.Error("failed to build relay envelope", zap.String("source", string(b.Source)), zap.Error(err))
		for _, p := range peers {
			a.dropPeer(p)
		}
		return nil
	}
	for _, p := range peers {
		if err := a.send(ctx, p, payload); err != nil {
			a.logger.Warn("relay to passive failed, dropping it",
				zap.String("passive", string(p.ID)), zap.String("address", p.Address), zap.Error(err))
			a.dropPeer(p)
		}
	}
	return nil
}

func (a *Active) envelope(b *batch.Context) ([]byte, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	env := Envelope{Session: a.session, Source: b.Source, Batch: data, GIDs: make([]GIDAssignment, 0, b.Len())}
	for _, txn := range b.Transactions {
		env.GIDs = append(env.GIDs, GIDAssignment{TxnID: txn.ID, GID: txn.GlobalID})
	}
	return env.Marshal()
}

func (a *Active) send(ctx context.Context, p Peer, payload []byte) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	cc, err := a.dialer.Get(p.Address)
	if err != nil {
		return err
	}
	_, err = transport.NewReplicationClient(cc).Relay(ctx, wrapperspb.Bytes(payload))
	return err
}

// dropPeer stops relaying to p. Transactions only it still had to
// acknowledge count as relayed.
func (a *Active) dropPeer(p Peer) {
	a.mu.Lock()
	if _, ok := a.peers[p.ID]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.peers, p.ID)
	var done []transaction.ServerTransactionID
	for id, set := range a.waiting {
		delete(set, p.ID)
		if len(set) == 0 {
			delete(a.waiting, id)
			done = append(done, id)
		}
	}
	a.mu.Unlock()

	if err := a.dialer.Remove(p.Address); err != nil {
		a.logger.Debug("closing passive connections", zap.String("passive", string(p.ID)), zap.Error(err))
	}
	if len(done) > 0 {
		a.tracker.TransactionsRelayed(done)
	}
}

// HandleAck records the acknowledgements of a passive.
func (a *Active) HandleAck(ack *Ack) error {
	a.mu.Lock()
	if _, ok := a.peers[ack.From]; !ok {
		a.mu.Unlock()
		return errors.Wrapf(ErrUnknownPassive, "node %s", ack.From)
	}
	var done []transaction.ServerTransactionID
	for _, id := range ack.IDs {
		set, ok := a.waiting[id]
		if !ok {
			continue
		}
		delete(set, ack.From)
		if len(set) == 0 {
			delete(a.waiting, id)
			done = append(done, id)
		}
	}
	a.mu.Unlock()

	if len(done) > 0 {
		a.tracker.TransactionsRelayed(done)
	}
	return nil
}

// Outstanding returns the number of relayed transactions not yet acknowledged.
func (a *Active) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiting)
}
