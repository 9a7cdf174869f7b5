// Package resent restores the original cross-client order of transactions
// that clients resend after a server restart. Until every resent transaction
// arrived, batches are held as GID-contiguous runs and released lowest GID
// first; after that the sequencer passes batches straight through.
package resent

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
)

// ErrInvalidState is returned for an operation the current state does not allow.
var ErrInvalidState = errors.New("invalid resent sequencer state")

// State is the recovery state of the sequencer.
type State int32

const (
	// StatePassThruPassive is the state of a server that is not active yet.
	StatePassThruPassive State = iota
	// StateAddResent collects the ids clients announced as resent.
	StateAddResent
	// StateIncomingResent holds arriving batches until resent transactions can go in order.
	StateIncomingResent
	// StatePassThruActive is the steady state once recovery finished.
	StatePassThruActive
)

func (s State) String() string {
	switch s {
	case StatePassThruPassive:
		return "pass-thru-passive"
	case StateAddResent:
		return "add-resent"
	case StateIncomingResent:
		return "incoming-resent"
	case StatePassThruActive:
		return "pass-thru-active"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Processor receives batches in the order they may enter the transaction manager.
type Processor interface {
	ProcessBatch(ctx context.Context, b *batch.Context) error
}

// GIDSource looks up and assigns global transaction ids.
type GIDSource interface {
	GetOrCreateGlobalTransactionID(id transaction.ServerTransactionID) (transaction.GlobalTransactionID, error)
	GetGlobalTransactionID(id transaction.ServerTransactionID) (transaction.GlobalTransactionID, error)
}

// Drainer runs a callback once the transactions in the system completed.
type Drainer interface {
	CallBackOnTxnsInSystemCompletion(fn func())
}

// FaultFunc is told of a released batch the processor refused. The batch
// belongs to a node other than the caller that triggered the release, so
// that node must be disconnected; delivery of the other batches goes on.
type FaultFunc func(b *batch.Context, err error)

// Sequencer orders resent transactions by their original GIDs.
type Sequencer struct {
	logger    *zap.Logger
	processor Processor
	gids      GIDSource
	drainer   Drainer
	onFault   FaultFunc

	// processMu keeps batches reaching the processor in release order. It is
	// taken before mu is released.
	processMu sync.Mutex

	mu           sync.Mutex
	state        State
	expected     *treemap.Map // GlobalTransactionID -> ServerTransactionID
	expectedByID map[transaction.ServerTransactionID]transaction.GlobalTransactionID
	pending      *btree.BTree // *run ordered by first GID, then arrival
	byTxn        map[transaction.ServerTransactionID]*run
	arrivals     uint64
	callbacks    []func()
}

// New creates a sequencer in StatePassThruPassive.
func New(processor Processor, gids GIDSource, drainer Drainer, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		logger:       logger.Named("resent_sequencer"),
		processor:    processor,
		gids:         gids,
		drainer:      drainer,
		expected:     treemap.NewWith(gidComparator),
		expectedByID: make(map[transaction.ServerTransactionID]transaction.GlobalTransactionID),
		pending:      btree.New(32),
		byTxn:        make(map[transaction.ServerTransactionID]*run),
	}
}

// SetFaultHandler sets who is told of released batches that failed.
func (s *Sequencer) SetFaultHandler(fn FaultFunc) {
	s.mu.Lock()
	s.onFault = fn
	s.mu.Unlock()
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GoToActiveMode starts recovery: resent ids may be added until the
// transaction manager started.
func (s *Sequencer) GoToActiveMode() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePassThruPassive {
		return errors.Wrapf(ErrInvalidState, "go to active mode in state %s", s.state)
	}
	s.state = StateAddResent
	s.logger.Info("collecting resent transactions")
	return nil
}

// AddResentServerTransactionIDs records transactions a reconnecting client
// will resend. A resent transaction without a GID is given one.
func (s *Sequencer) AddResentServerTransactionIDs(ids []transaction.ServerTransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAddResent {
		return errors.Wrapf(ErrInvalidState, "add resent ids in state %s", s.state)
	}
	for _, id := range ids {
		gid, err := s.gids.GetOrCreateGlobalTransactionID(id)
		if err != nil {
			return errors.Wrapf(err, "gid of resent %s", id)
		}
		s.expected.Put(gid, id)
		s.expectedByID[id] = gid
	}
	return nil
}

// TransactionManagerStarted ends collection. Resent ids of nodes that are not
// live are dropped since they will never arrive.
func (s *Sequencer) TransactionManagerStarted(ctx context.Context, live []transaction.NodeID) error {
	s.mu.Lock()
	if s.state != StateAddResent {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "transaction manager started in state %s", s.state)
	}
	s.state = StateIncomingResent
	alive := make(map[transaction.NodeID]struct{}, len(live))
	for _, node := range live {
		alive[node] = struct{}{}
	}
	for id := range s.expectedByID {
		if _, ok := alive[id.Source]; !ok {
			s.forgetLocked(id)
		}
	}
	s.logger.Info("waiting for resent transactions", zap.Int("expected", s.expected.Size()))
	batches, callbacks := s.releaseLocked()
	return s.deliver(ctx, nil, batches, callbacks)
}

// AddTransactions takes a decoded batch. Outside recovery it is processed at
// once; during recovery it is split into runs that wait for their turn.
func (s *Sequencer) AddTransactions(ctx context.Context, b *batch.Context) error {
	s.mu.Lock()
	switch s.state {
	case StatePassThruPassive, StatePassThruActive:
		return s.deliver(ctx, b, []*batch.Context{b}, nil)
	}
	if b.Len() == 0 {
		s.mu.Unlock()
		return nil
	}

	gids := make([]transaction.GlobalTransactionID, len(b.Transactions))
	for i, txn := range b.Transactions {
		gid, err := s.gids.GetGlobalTransactionID(txn.ServerTransactionID())
		if err != nil {
			s.mu.Unlock()
			return errors.Wrapf(err, "gid of %s", txn.ServerTransactionID())
		}
		gids[i] = gid
	}
	for _, r := range splitRuns(b, gids) {
		r.arrival = s.arrivals
		s.arrivals++
		s.pending.ReplaceOrInsert(r)
		for _, id := range r.ids {
			s.byTxn[id] = r
		}
	}

	if s.state != StateIncomingResent {
		s.mu.Unlock()
		return nil
	}
	batches, callbacks := s.releaseLocked()
	return s.deliver(ctx, b, batches, callbacks)
}

// ClearAllTransactionsFor forgets the resent transactions of a dead node.
func (s *Sequencer) ClearAllTransactionsFor(ctx context.Context, node transaction.NodeID) error {
	s.mu.Lock()
	dropped := 0
	for id := range s.expectedByID {
		if id.Source == node {
			s.forgetLocked(id)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Info("dropped resent transactions of dead node", zap.String("node", string(node)), zap.Int("dropped", dropped))
	}
	if s.state != StateIncomingResent {
		s.mu.Unlock()
		return nil
	}
	batches, callbacks := s.releaseLocked()
	return s.deliver(ctx, nil, batches, callbacks)
}

// CallBackOnResentTxnsInSystemCompletion calls fn once the transactions in
// the system completed. During recovery the request is held until the resent
// transactions have been released.
func (s *Sequencer) CallBackOnResentTxnsInSystemCompletion(fn func()) {
	s.mu.Lock()
	if s.state == StateAddResent || s.state == StateIncomingResent {
		s.callbacks = append(s.callbacks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.drainer.CallBackOnTxnsInSystemCompletion(fn)
}

// Expected returns the number of resent transactions not yet arrived.
func (s *Sequencer) Expected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected.Size()
}

func (s *Sequencer) forgetLocked(id transaction.ServerTransactionID) {
	if gid, ok := s.expectedByID[id]; ok {
		s.expected.Remove(gid)
		delete(s.expectedByID, id)
	}
}

func (s *Sequencer) takeLocked(r *run) {
	s.pending.Delete(r)
	for _, id := range r.ids {
		delete(s.byTxn, id)
		s.forgetLocked(id)
	}
}

// releaseLocked returns the runs that may go now: while the run holding the
// lowest expected GID arrived, it and every run ordered before it. Once
// nothing is expected the sequencer turns pass-through and flushes the rest.
func (s *Sequencer) releaseLocked() ([]*batch.Context, []func()) {
	var out []*batch.Context
	for !s.expected.Empty() {
		_, v := s.expected.Min()
		target, ok := s.byTxn[v.(transaction.ServerTransactionID)]
		if !ok {
			break
		}
		for {
			head := s.pending.Min().(*run)
			s.takeLocked(head)
			out = append(out, head.ctx)
			if head == target {
				break
			}
		}
	}
	if !s.expected.Empty() {
		return out, nil
	}

	for s.pending.Len() > 0 {
		head := s.pending.Min().(*run)
		s.takeLocked(head)
		out = append(out, head.ctx)
	}
	s.state = StatePassThruActive
	callbacks := s.callbacks
	s.callbacks = nil
	s.logger.Info("resent transactions replayed, passing through", zap.Int("released", len(out)))
	return out, callbacks
}

// deliver hands batches to the processor in order and then the held
// callbacks to the drainer. It is called with mu held and releases it.
//
// Only runs of owner, the batch of the caller, are processed under ctx and
// report their error to the caller. Every other run is processed under a
// context the caller cannot cancel; a failure goes to the fault handler and
// the later runs of the same node are dropped with it.
func (s *Sequencer) deliver(ctx context.Context, owner *batch.Context, batches []*batch.Context, callbacks []func()) error {
	onFault := s.onFault
	s.processMu.Lock()
	s.mu.Unlock()
	defer s.processMu.Unlock()

	released := context.WithoutCancel(ctx)
	failed := make(map[transaction.NodeID]error)
	var ownErr error
	for _, b := range batches {
		own := owner != nil && b.Source == owner.Source && b.Header.BatchID == owner.Header.BatchID
		err, skip := failed[b.Source]
		if !skip {
			pctx := released
			if own {
				pctx = ctx
			}
			if err = s.processor.ProcessBatch(pctx, b); err != nil {
				err = errors.Wrapf(err, "process batch %d from %s", b.Header.BatchID, b.Source)
				failed[b.Source] = err
			}
		}
		if err == nil {
			continue
		}
		if own {
			if ownErr == nil {
				ownErr = err
			}
			continue
		}
		s.logger.Warn("released batch failed", zap.String("node", string(b.Source)),
			zap.Uint64("batch", uint64(b.Header.BatchID)), zap.Error(err))
		if onFault != nil {
			onFault(b, err)
		}
	}
	for _, fn := range callbacks {
		s.drainer.CallBackOnTxnsInSystemCompletion(fn)
	}
	return ownErr
}
