package manager

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/sequencer"
)

// ApplyContext is a transaction whose objects are checked out.
type ApplyContext struct {
	Txn     *transaction.ServerTransaction
	Objects map[transaction.ObjectID]ManagedObject
	// NeedsApply is false for a transaction committed before it was resent.
	NeedsApply bool
	// Err is set when the transaction cannot be applied. Its objects are
	// checked out all the same and go back with its grouping.
	Err error
}

// ApplyResult is what applying one transaction produced.
type ApplyResult struct {
	NewRoots map[string]transaction.ObjectID
	Evicted  []transaction.ObjectID
	Skipped  bool
}

// CommitContext is a finished grouping, ready to be committed.
type CommitContext struct {
	Objects    []ManagedObject
	NewRoots   map[string]transaction.ObjectID
	AppliedIDs []transaction.ServerTransactionID
	Evicted    []transaction.ObjectID
}

// TxnObjectManager schedules object lookup for sequenced transactions and
// keeps the groupings of checked-out objects until their members applied.
type TxnObjectManager struct {
	logger *zap.Logger
	om     ObjectManager
	gtm    GlobalTransactionManager
	seq    *sequencer.MetaSequencer
	kick   chan struct{}

	mu       sync.Mutex
	byObject map[transaction.ObjectID]*grouping
	byTxn    map[transaction.ServerTransactionID]*grouping
	parked   []*LookupContext

	resolvedMu sync.Mutex
	resolved   []*LookupContext
}

// NewTxnObjectManager creates a TxnObjectManager.
func NewTxnObjectManager(om ObjectManager, gtm GlobalTransactionManager, logger *zap.Logger) *TxnObjectManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TxnObjectManager{
		logger:   logger.Named("txn_object_manager"),
		om:       om,
		gtm:      gtm,
		seq:      sequencer.NewMeta(logger),
		kick:     make(chan struct{}, 1),
		byObject: make(map[transaction.ObjectID]*grouping),
		byTxn:    make(map[transaction.ServerTransactionID]*grouping),
	}
}

// Ready is signalled whenever LookupObjectsForTransactions may find new work.
func (t *TxnObjectManager) Ready() <-chan struct{} { return t.kick }

func (t *TxnObjectManager) signal() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// AddTransactions queues txns from source for lookup, in GID order.
func (t *TxnObjectManager) AddTransactions(source transaction.NodeID, txns []*transaction.ServerTransaction) {
	var created []transaction.ObjectID
	for _, txn := range txns {
		created = append(created, txn.NewObjectIDs()...)
	}
	if len(created) > 0 {
		t.om.CreateNewObjects(created)
	}
	t.seq.AddTransactions(source, txns)
	t.signal()
}

func (t *TxnObjectManager) lookupResolved(ctx *LookupContext) {
	t.resolvedMu.Lock()
	t.resolved = append(t.resolved, ctx)
	t.resolvedMu.Unlock()
	t.signal()
}

func (t *TxnObjectManager) takeResolved() []*LookupContext {
	t.resolvedMu.Lock()
	defer t.resolvedMu.Unlock()
	out := t.resolved
	t.resolved = nil
	return out
}

// LookupObjectsForTransactions places every transaction that can proceed and
// returns those whose objects are checked out. A transaction whose apply
// could not be initiated is returned with Err set; the errors are also
// returned combined.
func (t *TxnObjectManager) LookupObjectsForTransactions() ([]*ApplyContext, error) {
	var ready []*LookupContext

	t.mu.Lock()
	for _, ctx := range t.takeResolved() {
		ready = t.placeLocked(ctx, ready)
	}
	if parked := t.parked; len(parked) > 0 {
		t.parked = nil
		for _, ctx := range parked {
			ready = t.placeLocked(ctx, ready)
		}
	}
	for txn := t.seq.Next(); txn != nil; txn = t.seq.Next() {
		t.seq.MakePending(txn)
		ready = t.placeLocked(&LookupContext{txn: txn, tom: t}, ready)
	}
	t.mu.Unlock()

	out := make([]*ApplyContext, 0, len(ready))
	var errs error
	for _, ctx := range ready {
		ac := &ApplyContext{Txn: ctx.txn, Objects: ctx.results()}
		ac.NeedsApply, ac.Err = t.gtm.InitiateApply(ctx.txn.ServerTransactionID())
		if ac.Err != nil {
			ac.Err = errors.Wrapf(ac.Err, "initiate apply of %s", ctx.txn.ServerTransactionID())
			errs = multierr.Append(errs, ac.Err)
		}
		out = append(out, ac)
	}
	return out, errs
}

// placeLocked merges ctx into a grouping, parks it, or looks its objects up.
func (t *TxnObjectManager) placeLocked(ctx *LookupContext, ready []*LookupContext) []*LookupContext {
	if objs := ctx.results(); objs != nil {
		return t.groupLocked(ctx, newGrouping(objs), ready)
	}

	ids := ctx.txn.ObjectIDs()
	var held *grouping
	spread := false
	for _, id := range ids {
		g, ok := t.byObject[id]
		if !ok {
			continue
		}
		if held != nil && held != g {
			spread = true
		}
		held = g
	}

	switch {
	case held == nil:
		if t.om.LookupObjectsFor(ctx.txn.Source, ctx) || !ctx.markWaiting() {
			return t.groupLocked(ctx, newGrouping(ctx.results()), ready)
		}
		return ready
	case !spread && held.holdsAll(ids):
		ctx.SetResults(held.subset(ids))
		return t.groupLocked(ctx, held, ready)
	default:
		// wait for the groupings holding some of its objects to commit
		t.parked = append(t.parked, ctx)
		return ready
	}
}

func (t *TxnObjectManager) groupLocked(ctx *LookupContext, g *grouping, ready []*LookupContext) []*LookupContext {
	id := ctx.txn.ServerTransactionID()
	for oid := range g.objects {
		t.byObject[oid] = g
	}
	g.join(id)
	t.byTxn[id] = g
	return append(ready, ctx)
}

// ApplyTransactionComplete records that txn finished applying. When it was
// the last outstanding member of its grouping the grouping's commit is returned.
func (t *TxnObjectManager) ApplyTransactionComplete(txn *transaction.ServerTransaction, result ApplyResult) *CommitContext {
	id := txn.ServerTransactionID()
	t.mu.Lock()
	g, ok := t.byTxn[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Error("apply completed for unknown transaction", zap.Stringer("txn", id))
		return nil
	}
	delete(t.byTxn, id)
	t.seq.MakeUnpending(txn)

	var commit *CommitContext
	if g.finish(id, result) {
		for oid := range g.objects {
			if t.byObject[oid] == g {
				delete(t.byObject, oid)
			}
		}
		commit = g.commitContext()
	}
	t.mu.Unlock()

	t.signal()
	return commit
}

// RemoveSource drops the sequencer of a disconnected node once it is idle.
func (t *TxnObjectManager) RemoveSource(node transaction.NodeID) {
	t.seq.RemoveSource(node)
}

// Pending returns the number of transactions queued in the sequencer or parked.
func (t *TxnObjectManager) Pending() int {
	t.mu.Lock()
	parked := len(t.parked)
	t.mu.Unlock()
	return t.seq.Len() + parked
}
