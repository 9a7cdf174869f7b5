package resent

import (
	"github.com/google/btree"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
)

// run is a GID-contiguous slice of an arrived batch, waiting for its turn.
// Runs of transactions without a GID sort after every resent run.
type run struct {
	ctx      *batch.Context
	firstGID transaction.GlobalTransactionID
	lastGID  transaction.GlobalTransactionID
	arrival  uint64
	ids      []transaction.ServerTransactionID
}

func (r *run) Less(than btree.Item) bool {
	o := than.(*run)
	if r.firstGID != o.firstGID {
		return r.firstGID < o.firstGID
	}
	return r.arrival < o.arrival
}

// splitRuns cuts ctx wherever the GID sequence is discontinuous. gids holds
// the GID of each transaction of ctx, NullGID for one that was never numbered.
func splitRuns(ctx *batch.Context, gids []transaction.GlobalTransactionID) []*run {
	var runs []*run
	start := 0
	for i := 1; i <= len(ctx.Transactions); i++ {
		if i < len(ctx.Transactions) && contiguous(gids[i-1], gids[i]) {
			continue
		}
		txns := ctx.Transactions[start:i]
		r := &run{ctx: ctx.Sub(txns), firstGID: gids[start], lastGID: gids[i-1]}
		if r.firstGID.IsNull() {
			r.firstGID, r.lastGID = transaction.MaxGID, transaction.MaxGID
		}
		for _, txn := range txns {
			r.ids = append(r.ids, txn.ServerTransactionID())
		}
		runs = append(runs, r)
		start = i
	}
	return runs
}

// contiguous reports whether b directly follows a. Unnumbered transactions
// stay together.
func contiguous(a, b transaction.GlobalTransactionID) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	return b == a.Next()
}

func gidComparator(a, b interface{}) int {
	x, y := a.(transaction.GlobalTransactionID), b.(transaction.GlobalTransactionID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
