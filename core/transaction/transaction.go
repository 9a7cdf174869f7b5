package transaction

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrDuplicateObject is returned when two changes of one transaction name the same object.
var ErrDuplicateObject = errors.New("object referenced twice in one transaction")

// ServerTransaction is one atomic change-set submitted by a client, as seen by
// the server. The wire fields are immutable after construction; GlobalID is
// set once by the transaction manager.
type ServerTransaction struct {
	BatchID           BatchID
	ID                TransactionID
	SequenceID        SequenceID
	Source            NodeID
	Type              TxnType
	LockIDs           []LockID
	Changes           []Change
	NewRoots          map[string]ObjectID
	Notifies          []Notify
	DmiDescriptors    []DmiDescriptor
	NumApplicationTxn uint32
	HighWaterMarks    []uint64
	GlobalID          GlobalTransactionID

	objectIDs    []ObjectID
	newObjectIDs map[ObjectID]struct{}
	metaData     []MetaDataReader

	relayed   *future
	committed *future
}

// New validates the change list of txn and derives its object sets. The
// returned transaction is txn itself, ready for use.
func New(txn *ServerTransaction) (*ServerTransaction, error) {
	txn.objectIDs = make([]ObjectID, 0, len(txn.Changes))
	txn.newObjectIDs = make(map[ObjectID]struct{})
	seen := make(map[ObjectID]struct{}, len(txn.Changes))
	for i := range txn.Changes {
		c := &txn.Changes[i]
		if _, dup := seen[c.ObjectID]; dup {
			return nil, errors.Wrapf(ErrDuplicateObject, "object %d in txn %d from %s", c.ObjectID, txn.ID, txn.Source)
		}
		seen[c.ObjectID] = struct{}{}
		txn.objectIDs = append(txn.objectIDs, c.ObjectID)
		if c.IsNew {
			txn.newObjectIDs[c.ObjectID] = struct{}{}
		}
		if c.Indexed {
			txn.metaData = append(txn.metaData, newMetaDataReader(c))
		}
	}
	if txn.NewRoots == nil {
		txn.NewRoots = make(map[string]ObjectID)
	}
	if txn.Type == 0 {
		txn.Type = TxnTypeNormal
	}
	txn.relayed = newFuture()
	txn.committed = newFuture()
	return txn, nil
}

// ServerTransactionID returns the cluster-unique id of the transaction.
func (t *ServerTransaction) ServerTransactionID() ServerTransactionID {
	return ServerTransactionID{Source: t.Source, TxnID: t.ID}
}

// ObjectIDs returns the ids of all objects touched, in change order.
func (t *ServerTransaction) ObjectIDs() []ObjectID { return t.objectIDs }

// NewObjectIDs returns the ids of objects created by this transaction.
func (t *ServerTransaction) NewObjectIDs() []ObjectID {
	ids := make([]ObjectID, 0, len(t.newObjectIDs))
	for _, id := range t.objectIDs {
		if _, ok := t.newObjectIDs[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsNewObject reports whether id is created (not updated) by this transaction.
func (t *ServerTransaction) IsNewObject(id ObjectID) bool {
	_, ok := t.newObjectIDs[id]
	return ok
}

// MetaDataReaders returns the readers for indexed changes.
func (t *ServerTransaction) MetaDataReaders() []MetaDataReader { return t.metaData }

// NeedsMetaDataProcessing reports whether the search side channel must see this transaction.
func (t *ServerTransaction) NeedsMetaDataProcessing() bool { return len(t.metaData) > 0 }

// IsSyncWrite reports whether the client waits on replication before its ack.
func (t *ServerTransaction) IsSyncWrite() bool { return t.Type == TxnTypeSyncWrite }

// IsEviction reports whether this is a server-generated eviction transaction.
func (t *ServerTransaction) IsEviction() bool { return t.Type == TxnTypeEviction }

// MarkRelayed fires the relay-complete signal.
func (t *ServerTransaction) MarkRelayed() { t.relayed.complete(nil) }

// MarkCommitted fires the commit signal.
func (t *ServerTransaction) MarkCommitted() { t.committed.complete(nil) }

// Abort releases every waiter with ErrShutdown. Signals already fired are kept.
func (t *ServerTransaction) Abort() {
	t.relayed.complete(ErrShutdown)
	t.committed.complete(ErrShutdown)
}

// IsRelayed reports whether the relay signal fired.
func (t *ServerTransaction) IsRelayed() bool { return t.relayed.isDone() }

// IsCommitted reports whether the commit signal fired.
func (t *ServerTransaction) IsCommitted() bool { return t.committed.isDone() }

// WaitUntilRelayComplete blocks until the transaction is relayed to the
// passives, ctx ends, or the transaction is aborted.
func (t *ServerTransaction) WaitUntilRelayComplete(ctx context.Context) error {
	return t.relayed.wait(ctx)
}

// WaitUntilCommit blocks until the transaction is committed, ctx ends, or the
// transaction is aborted.
func (t *ServerTransaction) WaitUntilCommit(ctx context.Context) error {
	return t.committed.wait(ctx)
}

func (t *ServerTransaction) String() string {
	return fmt.Sprintf("ServerTransaction{%s gid=%d type=%s changes=%d}", t.ServerTransactionID(), t.GlobalID, t.Type, len(t.Changes))
}
