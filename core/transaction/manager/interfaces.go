package manager

import (
	"context"

	"github.com/sushant-115/gojotx/core/transaction"
)

// ManagedObject is a shared object checked out for apply.
type ManagedObject interface {
	ID() transaction.ObjectID
	// Apply applies change to the object, stamping it with version.
	Apply(change *transaction.Change, version uint64) error
}

// ObjectManager owns the shared objects.
type ObjectManager interface {
	// CreateNewObjects registers objects that transactions are about to create.
	CreateNewObjects(ids []transaction.ObjectID)
	// LookupObjectsFor checks out the objects of ctx for node. It returns true
	// after calling ctx.SetResults, or false if the lookup went pending; the
	// manager then calls ctx.SetResults once the objects are available.
	LookupObjectsFor(node transaction.NodeID, ctx *LookupContext) bool
	// ReleaseAll returns checked-out objects to the manager.
	ReleaseAll(objects []ManagedObject)
	// DeleteObjects drops objects that completed eviction.
	DeleteObjects(ids []transaction.ObjectID)
}

// GlobalTransactionManager assigns GIDs and records each transaction's
// apply and commit.
type GlobalTransactionManager interface {
	GetOrCreateGlobalTransactionID(id transaction.ServerTransactionID) (transaction.GlobalTransactionID, error)
	GetGlobalTransactionID(id transaction.ServerTransactionID) (transaction.GlobalTransactionID, error)
	CreateGlobalTransactionID(id transaction.ServerTransactionID, gid transaction.GlobalTransactionID) error
	InitiateApply(id transaction.ServerTransactionID) (bool, error)
	RecordApplyResults(id transaction.ServerTransactionID) error
	Commit(id transaction.ServerTransactionID) error
	SkipApplyAndCommit(id transaction.ServerTransactionID) error
	LowWaterMark() transaction.GlobalTransactionID
	ShutdownNode(node transaction.NodeID) error
}

// LockManager grants the cluster-wide locks transactions are produced under.
type LockManager interface {
	// Notify wakes waiters of a lock released by a committed transaction.
	Notify(node transaction.NodeID, notify transaction.Notify)
	ClearAllLocksFor(node transaction.NodeID)
}

// Transport delivers acknowledgements.
type Transport interface {
	// SendAcknowledgement tells the originating client its transaction completed.
	SendAcknowledgement(to transaction.NodeID, id transaction.ServerTransactionID) error
	// SendRelayAcknowledgement tells the active server that a passive applied id.
	SendRelayAcknowledgement(id transaction.ServerTransactionID) error
}

// ObjectReferenceTracker tracks which objects each client holds.
type ObjectReferenceTracker interface {
	RemoveAllReferencesFor(node transaction.NodeID)
}

// ChannelStats collects per-connection transaction rates.
type ChannelStats interface {
	NotifyIncoming(source transaction.NodeID, count int)
	NotifyTransaction(source transaction.NodeID, numApplicationTxn uint32)
	NotifyTransactionAcknowledged(source transaction.NodeID)
}

// ObjectInstanceMonitor counts instances created per type.
type ObjectInstanceMonitor interface {
	InstanceCreated(typeName string)
}

// Broadcaster sends an applied transaction to the other clients that hold its
// objects, returning the nodes that must acknowledge it.
type Broadcaster interface {
	Broadcast(ctx context.Context, txn *transaction.ServerTransaction) ([]transaction.NodeID, error)
}

// MetaDataProcessor feeds indexed changes to search.
type MetaDataProcessor interface {
	ProcessMetaData(ctx context.Context, txn *transaction.ServerTransaction) error
}

// ResentSequencer is told when the server became active so it can start
// replaying resent transactions.
type ResentSequencer interface {
	GoToActiveMode() error
}

type nopObjectReferenceTracker struct{}

func (nopObjectReferenceTracker) RemoveAllReferencesFor(transaction.NodeID) {}

type nopLockManager struct{}

func (nopLockManager) Notify(transaction.NodeID, transaction.Notify) {}
func (nopLockManager) ClearAllLocksFor(transaction.NodeID)           {}

type nopChannelStats struct{}

func (nopChannelStats) NotifyIncoming(transaction.NodeID, int)           {}
func (nopChannelStats) NotifyTransaction(transaction.NodeID, uint32)     {}
func (nopChannelStats) NotifyTransactionAcknowledged(transaction.NodeID) {}

type nopInstanceMonitor struct{}

func (nopInstanceMonitor) InstanceCreated(string) {}
