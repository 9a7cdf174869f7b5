package account

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

type activeAccount struct {
	base
}

// NewActive returns the account of a client connected to the active server.
// Transactions complete once applied, broadcast, relayed, metadata processed
// and acknowledged by every waitee.
func NewActive(source transaction.NodeID, logger *zap.Logger, onComplete CompletionFunc) Account {
	a := &activeAccount{}
	a.init(source, logger, onComplete)
	a.newState = func(txn *transaction.ServerTransaction) *state {
		return &state{
			metaDataProcessed: !txn.NeedsMetaDataProcessing(),
			waitees:           make(map[transaction.NodeID]struct{}),
		}
	}
	return a
}

func (a *activeAccount) Active() bool { return true }

func (a *activeAccount) AddWaitee(waitee transaction.NodeID, id transaction.TransactionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.pending[id]
	if !ok {
		return errors.Wrapf(ErrUnknownTransaction, "add waitee %s to txn %s:%d", waitee, a.source, id)
	}
	s.waitees[waitee] = struct{}{}
	return nil
}

// RemoveWaitee returns true when waitee was the last outstanding node and
// every flag of the transaction was already set.
func (a *activeAccount) RemoveWaitee(waitee transaction.NodeID, id transaction.TransactionID) (bool, error) {
	return a.update(id, func(s *state) { delete(s.waitees, waitee) }), nil
}

func (a *activeAccount) RequestersWaitingFor(waitee transaction.NodeID) []transaction.TransactionID {
	a.mu.Lock()
	var ids []transaction.TransactionID
	for id, s := range a.pending {
		if _, ok := s.waitees[waitee]; ok {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
