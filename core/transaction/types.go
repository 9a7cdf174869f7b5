// Package transaction defines the server-side transaction record and the
// identifiers used to key it through sequencing, accounting and replication.
package transaction

import (
	"fmt"
	"math"
)

// NodeID identifies a client or server node connected to this server.
type NodeID string

// TransactionID is assigned by the originating client and increases per source.
type TransactionID uint64

// GlobalTransactionID (GID) is the server-assigned total order of transactions.
type GlobalTransactionID uint64

// SequenceID is the per-connection sequence used to detect reordering on the wire.
type SequenceID uint64

// ObjectID identifies a shared managed object.
type ObjectID uint64

// LockID names a cluster-wide lock a transaction was produced under.
type LockID string

// BatchID identifies one network batch of transactions from a source.
type BatchID uint64

const (
	// NullGID means no global transaction id has been assigned.
	NullGID GlobalTransactionID = 0
	// MaxGID sorts after every assigned GID.
	MaxGID GlobalTransactionID = math.MaxUint64
)

// IsNull reports whether no GID has been assigned.
func (g GlobalTransactionID) IsNull() bool { return g == NullGID }

// Next returns the GID immediately following g.
func (g GlobalTransactionID) Next() GlobalTransactionID { return g + 1 }

// ServerTransactionID pairs a source node with its transaction id. Unlike
// TransactionID it is unique across the cluster.
type ServerTransactionID struct {
	Source NodeID
	TxnID  TransactionID
}

// NewServerTransactionID builds the id of txnID from source.
func NewServerTransactionID(source NodeID, txnID TransactionID) ServerTransactionID {
	return ServerTransactionID{Source: source, TxnID: txnID}
}

func (s ServerTransactionID) String() string {
	return fmt.Sprintf("%s:%d", s.Source, s.TxnID)
}

// TxnType is the kind of a transaction as carried on the wire.
type TxnType byte

const (
	TxnTypeNormal TxnType = iota + 1
	TxnTypeSyncWrite
	TxnTypeEviction
)

// Valid reports whether t is a known transaction type.
func (t TxnType) Valid() bool {
	return t >= TxnTypeNormal && t <= TxnTypeEviction
}

func (t TxnType) String() string {
	switch t {
	case TxnTypeNormal:
		return "normal"
	case TxnTypeSyncWrite:
		return "sync-write"
	case TxnTypeEviction:
		return "eviction"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Notify is a lock notification (notify / notifyAll) produced by a transaction.
type Notify struct {
	LockID LockID
	All    bool
}

// DmiDescriptor describes a distributed method invocation attached to a transaction.
type DmiDescriptor struct {
	ReceiverID    ObjectID
	DmiCallID     ObjectID
	FaultReceiver bool
}
