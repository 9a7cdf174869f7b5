// Package gtx assigns global transaction ids (GIDs) and keeps the record of
// each transaction's GID and commit state durable across restarts.
package gtx

import (
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"

	"github.com/sushant-115/gojotx/core/transaction"
)

// DefaultReserveBlock is the number of GIDs reserved per store write.
const DefaultReserveBlock = 1000

var keyGIDBound = []byte("gtx/gid-bound")

// Sequence hands out strictly increasing GIDs. It persists an upper bound
// ahead of the GIDs it has issued, so a restarted Sequence resumes above
// anything issued before the restart without a store write per GID.
type Sequence struct {
	mu    sync.Mutex
	store raft.StableStore
	block uint64
	next  transaction.GlobalTransactionID
	limit transaction.GlobalTransactionID
}

// NewSequence loads the persisted bound from store. block defaults to
// DefaultReserveBlock when zero.
func NewSequence(store raft.StableStore, block uint64) (*Sequence, error) {
	if block == 0 {
		block = DefaultReserveBlock
	}
	bound, err := store.GetUint64(keyGIDBound)
	if err != nil && !isNotFound(err) {
		return nil, errors.Wrap(err, "failed to load gid bound")
	}
	next := transaction.GlobalTransactionID(bound)
	if next.IsNull() {
		next = 1
	}
	return &Sequence{store: store, block: block, next: next, limit: next}, nil
}

// Next returns a new GID.
func (s *Sequence) Next() (transaction.GlobalTransactionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserveLocked(s.next); err != nil {
		return transaction.NullGID, err
	}
	gid := s.next
	s.next++
	return gid, nil
}

// AdvancePast makes every later GID greater than gid. Passives call it for
// GIDs minted by the active so they never reissue one after failover.
func (s *Sequence) AdvancePast(gid transaction.GlobalTransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gid < s.next {
		return nil
	}
	if err := s.reserveLocked(gid); err != nil {
		return err
	}
	s.next = gid + 1
	return nil
}

// Current returns the GID the next call to Next would return.
func (s *Sequence) Current() transaction.GlobalTransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// reserveLocked makes sure gid lies below the persisted bound.
func (s *Sequence) reserveLocked(gid transaction.GlobalTransactionID) error {
	if gid < s.limit {
		return nil
	}
	limit := gid + transaction.GlobalTransactionID(s.block)
	if err := s.store.SetUint64(keyGIDBound, uint64(limit)); err != nil {
		return errors.Wrap(err, "failed to save gid bound")
	}
	s.limit = limit
	return nil
}

// isNotFound matches the missing-key errors of the bolt and in-memory stores.
func isNotFound(err error) bool {
	return errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == "not found"
}
