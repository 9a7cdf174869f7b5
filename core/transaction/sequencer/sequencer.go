// Package sequencer orders transactions for lookup and apply so that no two
// transactions touching a common object are in flight at the same time,
// while transactions over disjoint objects pass each other freely.
package sequencer

import (
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

// BlockFunc reports whether txn must wait for reasons the sequencer does not
// track itself. It is called with the sequencer lock held.
type BlockFunc func(txn *transaction.ServerTransaction) bool

type objectSet map[transaction.ObjectID]struct{}

func (s objectSet) intersects(ids []transaction.ObjectID) bool {
	for _, id := range ids {
		if _, ok := s[id]; ok {
			return true
		}
	}
	return false
}

func (s objectSet) add(ids []transaction.ObjectID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s objectSet) remove(ids []transaction.ObjectID) {
	for _, id := range ids {
		delete(s, id)
	}
}

// Sequencer releases transactions in arrival order, deferring any whose
// objects are held by a pending transaction or by an earlier deferred one.
//
// Deferred transactions sit in the blocked queue. When a pending transaction
// finishes the sequencer reconciles: the blocked queue moves to the front of
// the incoming queue, so deferred work runs before newer arrivals.
type Sequencer struct {
	logger  *zap.Logger
	blockFn BlockFunc

	mu        sync.Mutex
	incoming  *doublylinkedlist.List
	blocked   *doublylinkedlist.List
	cause     objectSet // objects of pending transactions
	effect    objectSet // objects of blocked transactions
	reconcile bool
}

// New creates a Sequencer. blockFn may be nil.
func New(logger *zap.Logger, blockFn BlockFunc) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		logger:   logger,
		blockFn:  blockFn,
		incoming: doublylinkedlist.New(),
		blocked:  doublylinkedlist.New(),
		cause:    make(objectSet),
		effect:   make(objectSet),
	}
}

// AddTransactions queues txns behind everything already queued.
func (s *Sequencer) AddTransactions(txns []*transaction.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range txns {
		s.incoming.Add(txn)
	}
}

// Next returns the next transaction free to be looked up, or nil if every
// queued transaction is blocked.
func (s *Sequencer) Next() *transaction.ServerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reconcile {
		s.reconcileLocked()
	}
	for !s.incoming.Empty() {
		v, _ := s.incoming.Get(0)
		s.incoming.Remove(0)
		txn := v.(*transaction.ServerTransaction)
		ids := txn.ObjectIDs()
		if s.cause.intersects(ids) || s.effect.intersects(ids) || (s.blockFn != nil && s.blockFn(txn)) {
			s.blocked.Add(txn)
			s.effect.add(ids)
			continue
		}
		return txn
	}
	return nil
}

func (s *Sequencer) reconcileLocked() {
	s.reconcile = false
	if s.blocked.Empty() {
		return
	}
	s.blocked.Add(s.incoming.Values()...)
	s.incoming, s.blocked = s.blocked, s.incoming
	s.blocked.Clear()
	s.effect = make(objectSet)
}

// MakePending records that txn began lookup; its objects block others until
// MakeUnpending.
func (s *Sequencer) MakePending(txn *transaction.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cause.add(txn.ObjectIDs())
}

// MakeUnpending releases the objects of txn and schedules a reconcile.
func (s *Sequencer) MakeUnpending(txn *transaction.ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cause.remove(txn.ObjectIDs())
	s.reconcile = true
}

// Reconcile schedules the blocked queue to be retried on the next call to Next.
func (s *Sequencer) Reconcile() {
	s.mu.Lock()
	s.reconcile = true
	s.mu.Unlock()
}

// Len returns the number of queued and blocked transactions.
func (s *Sequencer) Len() (queued, blocked int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming.Size(), s.blocked.Size()
}

// IsEmpty reports whether nothing is queued, blocked or pending.
func (s *Sequencer) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming.Empty() && s.blocked.Empty() && len(s.cause) == 0
}
