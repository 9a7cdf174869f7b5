package sequencer

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

// MetaSequencer keeps one Sequencer per source node and round-robins across
// them, so a busy source cannot starve the others.
//
// Sources are independent except where they share objects. For those, the
// meta-sequencer holds a transaction back while any of its objects is held by
// a pending transaction of another source, or while a lower GID touching the
// same object is still queued anywhere. Shared objects therefore see their
// transactions in GID order. A transaction returned by Next stays queued
// until MakePending, so it keeps blocking later GIDs in the meantime.
type MetaSequencer struct {
	logger *zap.Logger

	mu         sync.Mutex
	sequencers map[transaction.NodeID]*Sequencer
	order      []transaction.NodeID
	next       int
	cause      objectSet
	queued     map[transaction.ObjectID][]transaction.GlobalTransactionID
}

// NewMeta creates an empty MetaSequencer.
func NewMeta(logger *zap.Logger) *MetaSequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetaSequencer{
		logger:     logger.Named("meta_sequencer"),
		sequencers: make(map[transaction.NodeID]*Sequencer),
		cause:      make(objectSet),
		queued:     make(map[transaction.ObjectID][]transaction.GlobalTransactionID),
	}
}

// AddTransactions queues txns from source, which must carry their GIDs.
func (m *MetaSequencer) AddTransactions(source transaction.NodeID, txns []*transaction.ServerTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequencers[source]
	if !ok {
		seq = New(m.logger.With(zap.String("source", string(source))), m.blockedLocked)
		m.sequencers[source] = seq
		m.order = append(m.order, source)
	}
	for _, txn := range txns {
		if txn.GlobalID.IsNull() {
			m.logger.Warn("queued transaction has no GID", zap.Stringer("txn", txn.ServerTransactionID()))
			continue
		}
		for _, oid := range txn.ObjectIDs() {
			m.queued[oid] = insertGID(m.queued[oid], txn.GlobalID)
		}
	}
	seq.AddTransactions(txns)
}

func insertGID(gids []transaction.GlobalTransactionID, gid transaction.GlobalTransactionID) []transaction.GlobalTransactionID {
	i := sort.Search(len(gids), func(i int) bool { return gids[i] >= gid })
	gids = append(gids, 0)
	copy(gids[i+1:], gids[i:])
	gids[i] = gid
	return gids
}

func removeGID(gids []transaction.GlobalTransactionID, gid transaction.GlobalTransactionID) []transaction.GlobalTransactionID {
	i := sort.Search(len(gids), func(i int) bool { return gids[i] >= gid })
	if i < len(gids) && gids[i] == gid {
		gids = append(gids[:i], gids[i+1:]...)
	}
	return gids
}

// blockedLocked is the cross-source predicate handed to every Sequencer.
// It runs inside Next, with m.mu held.
func (m *MetaSequencer) blockedLocked(txn *transaction.ServerTransaction) bool {
	ids := txn.ObjectIDs()
	if m.cause.intersects(ids) {
		return true
	}
	if txn.GlobalID.IsNull() {
		return false
	}
	for _, oid := range ids {
		if q := m.queued[oid]; len(q) > 0 && q[0] != txn.GlobalID {
			return true
		}
	}
	return false
}

// Next returns the next transaction from the source after the one served
// last, or nil once a full pass over every source found nothing ready.
func (m *MetaSequencer) Next() *transaction.ServerTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.order)
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		if txn := m.sequencers[m.order[idx]].Next(); txn != nil {
			m.next = (idx + 1) % n
			return txn
		}
	}
	return nil
}

// MakePending records that txn began lookup.
func (m *MetaSequencer) MakePending(txn *transaction.ServerTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := txn.ObjectIDs()
	m.cause.add(ids)
	if !txn.GlobalID.IsNull() {
		for _, oid := range ids {
			if q := removeGID(m.queued[oid], txn.GlobalID); len(q) > 0 {
				m.queued[oid] = q
			} else {
				delete(m.queued, oid)
			}
		}
	}
	if seq, ok := m.sequencers[txn.Source]; ok {
		seq.MakePending(txn)
	}
}

// MakeUnpending releases the objects of txn and reconciles every source,
// since any of them may have been waiting on those objects.
func (m *MetaSequencer) MakeUnpending(txn *transaction.ServerTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cause.remove(txn.ObjectIDs())
	if seq, ok := m.sequencers[txn.Source]; ok {
		seq.MakeUnpending(txn)
	}
	for _, seq := range m.sequencers {
		seq.Reconcile()
	}
}

// RemoveSource drops the sequencer of source if it holds nothing.
func (m *MetaSequencer) RemoveSource(source transaction.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequencers[source]
	if !ok || !seq.IsEmpty() {
		return false
	}
	delete(m.sequencers, source)
	for i, s := range m.order {
		if s == source {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.next > i {
				m.next--
			}
			break
		}
	}
	if len(m.order) == 0 || m.next >= len(m.order) {
		m.next = 0
	}
	return true
}

// Len returns the number of transactions queued or blocked across all sources.
func (m *MetaSequencer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, seq := range m.sequencers {
		q, b := seq.Len()
		total += q + b
	}
	return total
}
