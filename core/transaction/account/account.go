// Package account keeps the per-source bookkeeping of in-flight transactions:
// which completion signals each transaction still waits for, and which nodes
// must acknowledge its broadcast.
package account

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

var (
	// ErrDuplicateTransaction is returned when a transaction id is registered twice.
	ErrDuplicateTransaction = errors.New("transaction already registered in account")
	// ErrUnknownTransaction is returned when a waitee names a transaction the account does not hold.
	ErrUnknownTransaction = errors.New("transaction not pending in account")
	// ErrWaiteeOnPassive is returned by waitee operations on a passive account.
	ErrWaiteeOnPassive = errors.New("passive accounts do not track waitees")
)

// CompletionFunc is invoked once per transaction when it completes. It runs
// without the account lock held.
type CompletionFunc func(id transaction.ServerTransactionID)

// DeathFunc is invoked once after the account's node died and every pending
// transaction drained.
type DeathFunc func(source transaction.NodeID)

// Account tracks the transactions of one source node.
//
// Every signal method returns true when the transaction became complete by
// that call. A transaction is removed and reported to the CompletionFunc
// exactly once.
type Account interface {
	Source() transaction.NodeID
	// Active reports whether the account tracks waitees and relays.
	Active() bool
	// CheckIncoming reports the error IncomingTransactions would return for
	// txns without registering them.
	CheckIncoming(txns []*transaction.ServerTransaction) error
	IncomingTransactions(txns []*transaction.ServerTransaction) error
	AddWaitee(waitee transaction.NodeID, id transaction.TransactionID) error
	RemoveWaitee(waitee transaction.NodeID, id transaction.TransactionID) (bool, error)
	ApplyCommitted(id transaction.TransactionID) bool
	SkipApplyAndCommit(id transaction.TransactionID) bool
	BroadcastCompleted(id transaction.TransactionID) bool
	RelayTransactionComplete(id transaction.TransactionID) bool
	ProcessMetaDataCompleted(id transaction.TransactionID) bool
	NodeDead(fn DeathFunc)
	RequestersWaitingFor(waitee transaction.NodeID) []transaction.TransactionID
	Pending() []transaction.ServerTransactionID
	HasPending() bool
	IsDead() bool
}

type state struct {
	applyCommitted     bool
	broadcastCompleted bool
	relayed            bool
	metaDataProcessed  bool
	waitees            map[transaction.NodeID]struct{}
}

func (s *state) complete() bool {
	return s.applyCommitted && s.broadcastCompleted && s.relayed && s.metaDataProcessed && len(s.waitees) == 0
}

// base holds the state shared by both variants. newState decides which
// flags a fresh transaction starts with.
type base struct {
	source     transaction.NodeID
	logger     *zap.Logger
	onComplete CompletionFunc
	newState   func(txn *transaction.ServerTransaction) *state

	mu        sync.Mutex
	pending   map[transaction.TransactionID]*state
	dead      bool
	deathFn   DeathFunc
	deathDone bool
}

func (b *base) init(source transaction.NodeID, logger *zap.Logger, onComplete CompletionFunc) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b.source = source
	b.logger = logger.With(zap.String("source", string(source)))
	b.onComplete = onComplete
	b.pending = make(map[transaction.TransactionID]*state)
}

func (b *base) Source() transaction.NodeID { return b.source }

func (b *base) CheckIncoming(txns []*transaction.ServerTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked(txns)
}

// checkLocked rejects ids already pending and ids repeated within txns.
func (b *base) checkLocked(txns []*transaction.ServerTransaction) error {
	seen := make(map[transaction.TransactionID]struct{}, len(txns))
	for _, txn := range txns {
		if _, ok := b.pending[txn.ID]; ok {
			return errors.Wrapf(ErrDuplicateTransaction, "txn %s", txn.ServerTransactionID())
		}
		if _, ok := seen[txn.ID]; ok {
			return errors.Wrapf(ErrDuplicateTransaction, "txn %s twice in one batch", txn.ServerTransactionID())
		}
		seen[txn.ID] = struct{}{}
	}
	return nil
}

func (b *base) IncomingTransactions(txns []*transaction.ServerTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(txns); err != nil {
		return err
	}
	for _, txn := range txns {
		b.pending[txn.ID] = b.newState(txn)
	}
	return nil
}

// update applies fn to the state of id under the lock. If the transaction is
// then complete it is removed, and the callbacks run after unlocking.
func (b *base) update(id transaction.TransactionID, fn func(*state)) bool {
	b.mu.Lock()
	s, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		b.logger.Debug("signal for transaction not pending", zap.Uint64("txn_id", uint64(id)))
		return false
	}
	fn(s)
	if !s.complete() {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	deathFn := b.takeDeathLocked()
	b.mu.Unlock()

	if b.onComplete != nil {
		b.onComplete(transaction.NewServerTransactionID(b.source, id))
	}
	if deathFn != nil {
		deathFn(b.source)
	}
	return true
}

// takeDeathLocked returns the death callback if it is due and was not taken yet.
func (b *base) takeDeathLocked() DeathFunc {
	if !b.dead || b.deathDone || len(b.pending) > 0 {
		return nil
	}
	b.deathDone = true
	fn := b.deathFn
	b.deathFn = nil
	return fn
}

func (b *base) ApplyCommitted(id transaction.TransactionID) bool {
	return b.update(id, func(s *state) { s.applyCommitted = true })
}

func (b *base) SkipApplyAndCommit(id transaction.TransactionID) bool {
	return b.ApplyCommitted(id)
}

func (b *base) BroadcastCompleted(id transaction.TransactionID) bool {
	return b.update(id, func(s *state) { s.broadcastCompleted = true })
}

func (b *base) RelayTransactionComplete(id transaction.TransactionID) bool {
	return b.update(id, func(s *state) { s.relayed = true })
}

func (b *base) ProcessMetaDataCompleted(id transaction.TransactionID) bool {
	return b.update(id, func(s *state) { s.metaDataProcessed = true })
}

// NodeDead marks the source node dead. fn runs now if nothing is pending,
// otherwise when the last pending transaction completes. Later calls are ignored.
func (b *base) NodeDead(fn DeathFunc) {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		b.logger.Warn("node already marked dead")
		return
	}
	b.dead = true
	b.deathFn = fn
	due := b.takeDeathLocked()
	remaining := len(b.pending)
	b.mu.Unlock()

	if due != nil {
		due(b.source)
		return
	}
	b.logger.Info("node dead, draining pending transactions", zap.Int("pending", remaining))
}

func (b *base) IsDead() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead
}

func (b *base) Pending() []transaction.ServerTransactionID {
	b.mu.Lock()
	ids := make([]transaction.ServerTransactionID, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, transaction.NewServerTransactionID(b.source, id))
	}
	b.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].TxnID < ids[j].TxnID })
	return ids
}

func (b *base) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}
