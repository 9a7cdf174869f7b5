package account

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

// passiveAccount tracks transactions relayed to a passive server. A passive
// never broadcasts or relays, so only apply and metadata are outstanding.
type passiveAccount struct {
	base
}

// NewPassive returns the account of a source as seen by a passive server.
func NewPassive(source transaction.NodeID, logger *zap.Logger, onComplete CompletionFunc) Account {
	p := &passiveAccount{}
	p.init(source, logger, onComplete)
	p.newState = func(txn *transaction.ServerTransaction) *state {
		return &state{
			broadcastCompleted: true,
			relayed:            true,
			metaDataProcessed:  !txn.NeedsMetaDataProcessing(),
		}
	}
	return p
}

func (p *passiveAccount) Active() bool { return false }

func (p *passiveAccount) AddWaitee(waitee transaction.NodeID, id transaction.TransactionID) error {
	return errors.Wrapf(ErrWaiteeOnPassive, "add waitee %s to txn %s:%d", waitee, p.source, id)
}

func (p *passiveAccount) RemoveWaitee(waitee transaction.NodeID, id transaction.TransactionID) (bool, error) {
	return false, errors.Wrapf(ErrWaiteeOnPassive, "remove waitee %s from txn %s:%d", waitee, p.source, id)
}

func (p *passiveAccount) RequestersWaitingFor(transaction.NodeID) []transaction.TransactionID {
	return nil
}
