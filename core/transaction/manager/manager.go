// Package manager drives transactions from arrival to acknowledgement: it
// assigns GIDs, keeps the per-source accounts, schedules object lookup and
// apply, commits, and tells clients (or the active server) when a
// transaction is done.
package manager

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/account"
)

var (
	// ErrMissingGID is returned when a passive receives a transaction the active did not number.
	ErrMissingGID = errors.New("relayed transaction carries no global transaction id")
	// ErrObjectNotFound is returned when apply is handed a change for an object that was not checked out.
	ErrObjectNotFound = errors.New("object not checked out for transaction")
	// ErrUnknownSource is returned for operations on a node without an account.
	ErrUnknownSource = errors.New("no transaction account for node")
)

// Collaborators are the subsystems the manager drives. ObjectManager and
// GlobalTxnManager are required; the rest default to no-ops.
type Collaborators struct {
	ObjectManager    ObjectManager
	GlobalTxnManager GlobalTransactionManager
	LockManager      LockManager
	Transport        Transport
	References       ObjectReferenceTracker
	Stats            ChannelStats
	InstanceMonitor  ObjectInstanceMonitor
	Tracer           trace.Tracer
}

// TransactionManager owns the transaction accounts and the transactional
// object manager.
type TransactionManager struct {
	logger    *zap.Logger
	tracer    trace.Tracer
	om        ObjectManager
	gtm       GlobalTransactionManager
	lockMgr   LockManager
	transport Transport
	refs      ObjectReferenceTracker
	stats     ChannelStats
	monitor   ObjectInstanceMonitor
	tom       *TxnObjectManager
	roots     *rootTable
	listeners *listenerSet

	// processMu serializes GID assignment with registration, so GIDs
	// reach the sequencer in the order they were assigned.
	processMu sync.Mutex

	mu        sync.Mutex
	accounts  map[transaction.NodeID]account.Account
	inFlight  map[transaction.ServerTransactionID]*transaction.ServerTransaction
	pauseGate chan struct{} // non-nil while paused, closed on unpause
	active    bool
	resent    ResentSequencer

	pending atomic.Int64
}

// New creates a TransactionManager, active or passive.
func New(active bool, c Collaborators, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("txn_manager")
	if c.LockManager == nil {
		c.LockManager = nopLockManager{}
	}
	if c.References == nil {
		c.References = nopObjectReferenceTracker{}
	}
	if c.Stats == nil {
		c.Stats = nopChannelStats{}
	}
	if c.InstanceMonitor == nil {
		c.InstanceMonitor = nopInstanceMonitor{}
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &TransactionManager{
		logger:    logger,
		tracer:    c.Tracer,
		om:        c.ObjectManager,
		gtm:       c.GlobalTxnManager,
		lockMgr:   c.LockManager,
		transport: c.Transport,
		refs:      c.References,
		stats:     c.Stats,
		monitor:   c.InstanceMonitor,
		tom:       NewTxnObjectManager(c.ObjectManager, c.GlobalTxnManager, logger),
		roots:     newRootTable(),
		listeners: &listenerSet{logger: logger},
		accounts:  make(map[transaction.NodeID]account.Account),
		inFlight:  make(map[transaction.ServerTransactionID]*transaction.ServerTransaction),
		active:    active,
	}
}

// TxnObjectManager returns the lookup scheduler fed by this manager.
func (m *TransactionManager) TxnObjectManager() *TxnObjectManager { return m.tom }

// AddListener registers l for transaction events.
func (m *TransactionManager) AddListener(l Listener) { m.listeners.add(l) }

// RemoveListener unregisters l.
func (m *TransactionManager) RemoveListener(l Listener) { m.listeners.remove(l) }

// AddRootListener registers l for root creation.
func (m *TransactionManager) AddRootListener(l RootListener) { m.listeners.addRoot(l) }

// SetResentSequencer sets the sequencer told when the server goes active.
func (m *TransactionManager) SetResentSequencer(r ResentSequencer) {
	m.mu.Lock()
	m.resent = r
	m.mu.Unlock()
}

// SetTransport sets the acknowledgement transport. It must be called before
// the first transaction arrives.
func (m *TransactionManager) SetTransport(t Transport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

// IsActive reports whether this server is the active one.
func (m *TransactionManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetMode switches between active and passive. Accounts with transactions
// pending keep their variant; idle ones are rebuilt on the next batch.
func (m *TransactionManager) SetMode(active bool) {
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
	m.logger.Info("transaction manager mode changed", zap.Bool("active", active))
}

// PendingTransactionCount returns the number of transactions not yet acknowledged.
func (m *TransactionManager) PendingTransactionCount() int64 { return m.pending.Load() }

// RootID returns the object bound to a root name.
func (m *TransactionManager) RootID(name string) (transaction.ObjectID, bool) {
	return m.roots.lookup(name)
}

// PauseTransactions stops new transactions from being registered. It returns
// once any registration in progress finished.
func (m *TransactionManager) PauseTransactions() {
	m.processMu.Lock()
	defer m.processMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseGate == nil {
		m.pauseGate = make(chan struct{})
		m.logger.Info("transactions paused")
	}
}

// UnPauseTransactions wakes every IncomingTransactions call blocked by a pause.
func (m *TransactionManager) UnPauseTransactions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseGate != nil {
		close(m.pauseGate)
		m.pauseGate = nil
		m.logger.Info("transactions unpaused")
	}
}

func (m *TransactionManager) gate() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseGate
}

// enterProcessing waits out any pause and returns holding processMu.
func (m *TransactionManager) enterProcessing(ctx context.Context) error {
	for {
		if gate := m.gate(); gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		m.processMu.Lock()
		if m.gate() == nil {
			return nil
		}
		m.processMu.Unlock()
	}
}

// IncomingTransactions registers a batch of txns from source. It blocks
// while transactions are paused. On the active server each transaction gets
// a GID; on a passive the GID relayed by the active is recorded instead.
func (m *TransactionManager) IncomingTransactions(ctx context.Context, source transaction.NodeID, txns []*transaction.ServerTransaction) error {
	if len(txns) == 0 {
		return nil
	}
	if err := m.enterProcessing(ctx); err != nil {
		return err
	}
	ids, err := m.registerLocked(source, txns)
	m.processMu.Unlock()
	if err != nil {
		return err
	}

	m.stats.NotifyIncoming(source, len(txns))
	m.listeners.each("incoming", func(l Listener) { l.IncomingTransactions(source, ids) })
	return nil
}

// registerLocked runs with processMu held. The batch is checked against the
// account before any GID is recorded for it.
func (m *TransactionManager) registerLocked(source transaction.NodeID, txns []*transaction.ServerTransaction) ([]transaction.ServerTransactionID, error) {
	active := m.IsActive()
	acct := m.getOrCreateAccount(source, active)
	if err := acct.CheckIncoming(txns); err != nil {
		return nil, err
	}
	if !active {
		for _, txn := range txns {
			if txn.GlobalID.IsNull() {
				return nil, errors.Wrapf(ErrMissingGID, "txn %s", txn.ServerTransactionID())
			}
		}
	}

	ids := make([]transaction.ServerTransactionID, 0, len(txns))
	for _, txn := range txns {
		id := txn.ServerTransactionID()
		if active {
			gid, err := m.gtm.GetOrCreateGlobalTransactionID(id)
			if err != nil {
				return nil, errors.Wrapf(err, "assign gid to %s", id)
			}
			txn.GlobalID = gid
		} else if err := m.gtm.CreateGlobalTransactionID(id, txn.GlobalID); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := acct.IncomingTransactions(txns); err != nil {
		return nil, err
	}
	m.mu.Lock()
	for _, txn := range txns {
		m.inFlight[txn.ServerTransactionID()] = txn
	}
	m.mu.Unlock()
	m.pending.Add(int64(len(txns)))

	m.tom.AddTransactions(source, txns)
	return ids, nil
}

// getOrCreateAccount returns the account of source. An idle account of the
// other variant, left over from before a mode change, is replaced.
func (m *TransactionManager) getOrCreateAccount(source transaction.NodeID, active bool) account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[source]; ok {
		if acct.Active() == active || acct.HasPending() || acct.IsDead() {
			return acct
		}
		m.logger.Info("replacing account after mode change", zap.String("source", string(source)), zap.Bool("active", active))
	}
	var acct account.Account
	if active {
		acct = account.NewActive(source, m.logger, m.acknowledge)
	} else {
		acct = account.NewPassive(source, m.logger, m.acknowledge)
	}
	m.accounts[source] = acct
	return acct
}

// dropIdleAccounts removes accounts of the other variant with nothing pending.
func (m *TransactionManager) dropIdleAccounts(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for node, acct := range m.accounts {
		if acct.Active() != active && !acct.HasPending() && !acct.IsDead() {
			delete(m.accounts, node)
		}
	}
}

func (m *TransactionManager) account(source transaction.NodeID) account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[source]
}

// acknowledge is the completion callback of every account.
func (m *TransactionManager) acknowledge(id transaction.ServerTransactionID) {
	m.mu.Lock()
	delete(m.inFlight, id)
	active, transport := m.active, m.transport
	m.mu.Unlock()

	m.pending.Dec()
	m.stats.NotifyTransactionAcknowledged(id.Source)
	if transport != nil {
		var err error
		if active {
			err = transport.SendAcknowledgement(id.Source, id)
		} else {
			err = transport.SendRelayAcknowledgement(id)
		}
		if err != nil {
			m.logger.Warn("failed to send transaction acknowledgement", zap.Stringer("txn", id), zap.Error(err))
		}
	}
	m.listeners.each("completed", func(l Listener) { l.TransactionCompleted(id) })
}

// Apply applies txn to its checked-out objects and commits its GID record.
func (m *TransactionManager) Apply(ctx context.Context, txn *transaction.ServerTransaction, objects map[transaction.ObjectID]ManagedObject) (ApplyResult, error) {
	id := txn.ServerTransactionID()
	_, span := m.tracer.Start(ctx, "TransactionManager.Apply", trace.WithAttributes(
		attribute.String("txn.source", string(id.Source)),
		attribute.Int64("txn.gid", int64(txn.GlobalID)),
		attribute.Int("txn.changes", len(txn.Changes)),
	))
	defer span.End()

	result, err := m.apply(txn, objects)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return result, err
	}
	span.SetStatus(otelcodes.Ok, "applied")
	return result, nil
}

func (m *TransactionManager) apply(txn *transaction.ServerTransaction, objects map[transaction.ObjectID]ManagedObject) (ApplyResult, error) {
	id := txn.ServerTransactionID()
	result := ApplyResult{NewRoots: make(map[string]transaction.ObjectID)}
	for i := range txn.Changes {
		c := &txn.Changes[i]
		obj, ok := objects[c.ObjectID]
		if !ok {
			return result, errors.Wrapf(ErrObjectNotFound, "object %d of %s", c.ObjectID, id)
		}
		version := c.Version
		if version == 0 {
			version = uint64(txn.GlobalID)
		}
		if err := obj.Apply(c, version); err != nil {
			return result, errors.Wrapf(err, "apply change to object %d of %s", c.ObjectID, id)
		}
		if c.IsNew {
			m.monitor.InstanceCreated(c.TypeName)
		}
		for cur := c.Cursor(); cur.Next(); {
			if cur.Action().Kind == transaction.ActionEvictionCompleted {
				result.Evicted = append(result.Evicted, c.ObjectID)
				break
			}
		}
	}
	for name, oid := range txn.NewRoots {
		if m.roots.bind(name, oid) {
			result.NewRoots[name] = oid
		}
	}
	for _, n := range txn.Notifies {
		m.lockMgr.Notify(txn.Source, n)
	}
	m.stats.NotifyTransaction(txn.Source, txn.NumApplicationTxn)
	if err := m.gtm.RecordApplyResults(id); err != nil {
		return result, err
	}

	newObjects := txn.NewObjectIDs()
	m.listeners.each("applied", func(l Listener) { l.TransactionApplied(id, newObjects) })

	if err := m.gtm.Commit(id); err != nil {
		return result, err
	}
	return result, nil
}

// SkipApplyAndCommit commits txn without applying it. Used for a resent
// transaction that was committed before the restart.
func (m *TransactionManager) SkipApplyAndCommit(txn *transaction.ServerTransaction) error {
	id := txn.ServerTransactionID()
	if err := m.gtm.SkipApplyAndCommit(id); err != nil {
		return err
	}
	txn.MarkCommitted()
	acct := m.account(id.Source)
	if acct == nil {
		return errors.Wrapf(ErrUnknownSource, "skip apply of %s", id)
	}
	acct.SkipApplyAndCommit(id.TxnID)
	return nil
}

// Commit releases the objects of a finished grouping, reports the roots it
// created and acknowledges its transactions where they are complete. Root
// listener errors are returned after every step ran.
func (m *TransactionManager) Commit(c *CommitContext) error {
	m.om.ReleaseAll(c.Objects)
	if len(c.Evicted) > 0 {
		m.om.DeleteObjects(c.Evicted)
	}

	// roots are reported only after release: listeners may look objects up
	err := m.listeners.rootCreated(c.NewRoots)

	for _, id := range c.AppliedIDs {
		m.mu.Lock()
		txn := m.inFlight[id]
		m.mu.Unlock()
		if txn != nil {
			txn.MarkCommitted()
		}
		if acct := m.account(id.Source); acct != nil {
			acct.ApplyCommitted(id.TxnID)
		} else {
			m.logger.Warn("commit for transaction without account", zap.Stringer("txn", id))
		}
	}
	return err
}

// AddWaitingForAcknowledgement records that waitee must acknowledge the
// broadcast of waiter's transaction txnID.
func (m *TransactionManager) AddWaitingForAcknowledgement(waiter transaction.NodeID, txnID transaction.TransactionID, waitee transaction.NodeID) error {
	acct := m.account(waiter)
	if acct == nil {
		return errors.Wrapf(ErrUnknownSource, "waiter %s", waiter)
	}
	return acct.AddWaitee(waitee, txnID)
}

// Acknowledgement records waitee's acknowledgement of waiter's transaction.
func (m *TransactionManager) Acknowledgement(waiter transaction.NodeID, txnID transaction.TransactionID, waitee transaction.NodeID) error {
	acct := m.account(waiter)
	if acct == nil {
		return errors.Wrapf(ErrUnknownSource, "waiter %s", waiter)
	}
	_, err := acct.RemoveWaitee(waitee, txnID)
	return err
}

// Broadcasted records that id was broadcast to every interested node.
func (m *TransactionManager) Broadcasted(id transaction.ServerTransactionID) {
	if acct := m.account(id.Source); acct != nil {
		acct.BroadcastCompleted(id.TxnID)
	}
}

// ProcessingMetaDataCompleted records that search indexed id.
func (m *TransactionManager) ProcessingMetaDataCompleted(id transaction.ServerTransactionID) {
	if acct := m.account(id.Source); acct != nil {
		acct.ProcessMetaDataCompleted(id.TxnID)
	}
}

// TransactionsRelayed records that every passive received ids.
func (m *TransactionManager) TransactionsRelayed(ids []transaction.ServerTransactionID) {
	for _, id := range ids {
		m.mu.Lock()
		txn := m.inFlight[id]
		m.mu.Unlock()
		if txn != nil {
			txn.MarkRelayed()
		}
		if acct := m.account(id.Source); acct != nil {
			acct.RelayTransactionComplete(id.TxnID)
		}
	}
}

// ShutdownNode drains a disconnected node. Its account lives until every
// pending transaction completed; then the node's references, locks and GID
// records are dropped and listeners hear of the disconnect. Transactions of
// other nodes still waiting on the dead node's acknowledgement are released.
func (m *TransactionManager) ShutdownNode(dead transaction.NodeID) {
	if acct := m.account(dead); acct != nil {
		acct.NodeDead(m.cleanupNode)
	} else {
		m.cleanupNode(dead)
	}

	m.mu.Lock()
	others := make([]account.Account, 0, len(m.accounts))
	for node, acct := range m.accounts {
		if node != dead {
			others = append(others, acct)
		}
	}
	m.mu.Unlock()

	for _, acct := range others {
		for _, txnID := range acct.RequestersWaitingFor(dead) {
			if _, err := acct.RemoveWaitee(dead, txnID); err != nil {
				m.logger.Warn("failed to release waitee", zap.String("dead", string(dead)), zap.Error(err))
			}
		}
	}
}

func (m *TransactionManager) cleanupNode(node transaction.NodeID) {
	m.mu.Lock()
	delete(m.accounts, node)
	m.mu.Unlock()

	m.refs.RemoveAllReferencesFor(node)
	m.lockMgr.ClearAllLocksFor(node)
	if err := m.gtm.ShutdownNode(node); err != nil {
		m.logger.Error("failed to drop gid records", zap.String("node", string(node)), zap.Error(err))
	}
	m.tom.RemoveSource(node)
	m.logger.Info("client disconnected", zap.String("node", string(node)),
		zap.Uint64("low_water_mark", uint64(m.gtm.LowWaterMark())))
	m.listeners.each("client_disconnected", func(l Listener) { l.ClientDisconnected(node) })
}

// CallBackOnTxnsInSystemCompletion calls fn once every transaction pending
// now completed. fn runs at once if nothing is pending.
func (m *TransactionManager) CallBackOnTxnsInSystemCompletion(fn func()) {
	m.onDrain(fn)
}

func (m *TransactionManager) onDrain(fn func()) *drainWaiter {
	w := &drainWaiter{m: m, fn: fn, early: make(map[transaction.ServerTransactionID]struct{})}
	// register before taking the snapshot so no completion is missed
	m.listeners.add(w)

	m.mu.Lock()
	var snapshot []transaction.ServerTransactionID
	for _, acct := range m.accounts {
		snapshot = append(snapshot, acct.Pending()...)
	}
	m.mu.Unlock()

	w.arm(snapshot)
	return w
}

// GoToActiveMode waits for every transaction in the system to complete,
// switches to active and starts resent transaction replay.
func (m *TransactionManager) GoToActiveMode(ctx context.Context) error {
	drained := make(chan struct{})
	w := m.onDrain(func() { close(drained) })
	select {
	case <-drained:
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
	m.SetMode(true)
	m.dropIdleAccounts(true)

	m.mu.Lock()
	resent := m.resent
	m.mu.Unlock()
	if resent != nil {
		return resent.GoToActiveMode()
	}
	return nil
}

// drainWaiter fires once every id of a snapshot completed. Completions seen
// before the snapshot was armed are remembered.
type drainWaiter struct {
	NopListener
	m  *TransactionManager
	fn func()

	mu        sync.Mutex
	armed     bool
	fired     bool
	early     map[transaction.ServerTransactionID]struct{}
	remaining map[transaction.ServerTransactionID]struct{}
}

func (w *drainWaiter) arm(snapshot []transaction.ServerTransactionID) {
	w.mu.Lock()
	w.remaining = make(map[transaction.ServerTransactionID]struct{}, len(snapshot))
	for _, id := range snapshot {
		if _, done := w.early[id]; !done {
			w.remaining[id] = struct{}{}
		}
	}
	w.early = nil
	w.armed = true
	w.mu.Unlock()
	w.maybeFire()
}

func (w *drainWaiter) TransactionCompleted(id transaction.ServerTransactionID) {
	w.mu.Lock()
	if !w.armed {
		w.early[id] = struct{}{}
		w.mu.Unlock()
		return
	}
	delete(w.remaining, id)
	w.mu.Unlock()
	w.maybeFire()
}

// cancel unregisters w; fn will not run.
func (w *drainWaiter) cancel() {
	w.mu.Lock()
	fired := w.fired
	w.fired = true
	w.mu.Unlock()
	if !fired {
		w.m.listeners.remove(w)
	}
}

func (w *drainWaiter) maybeFire() {
	w.mu.Lock()
	if w.fired || len(w.remaining) > 0 {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()

	w.m.listeners.remove(w)
	w.fn()
}

// rootTable binds root names to objects. A name is bound once.
type rootTable struct {
	mu    sync.RWMutex
	roots map[string]transaction.ObjectID
}

func newRootTable() *rootTable {
	return &rootTable{roots: make(map[string]transaction.ObjectID)}
}

func (r *rootTable) bind(name string, id transaction.ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roots[name]; ok {
		return false
	}
	r.roots[name] = id
	return true
}

func (r *rootTable) lookup(name string) (transaction.ObjectID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.roots[name]
	return id, ok
}
