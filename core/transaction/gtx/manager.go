package gtx

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

var (
	// ErrGIDConflict is returned when a transaction is given a second, different GID.
	ErrGIDConflict = errors.New("transaction already has a different global transaction id")
	// ErrUnknownTransaction is returned for transactions that have no GID record.
	ErrUnknownTransaction = errors.New("no global transaction record")
)

type recordState uint8

const (
	stateAssigned recordState = iota + 1
	stateApplying
	stateApplied
	stateCommitted
)

type record struct {
	id    transaction.ServerTransactionID
	gid   transaction.GlobalTransactionID
	state recordState
}

const recordSize = 8 + 1

func (r *record) encode() []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf, uint64(r.gid))
	buf[8] = byte(r.state)
	return buf
}

func decodeRecord(id transaction.ServerTransactionID, buf []byte) (*record, bool) {
	if len(buf) != recordSize {
		return nil, false
	}
	return &record{
		id:    id,
		gid:   transaction.GlobalTransactionID(binary.LittleEndian.Uint64(buf)),
		state: recordState(buf[8]),
	}, true
}

func recordKey(id transaction.ServerTransactionID) []byte {
	return []byte("gtx/txn/" + string(id.Source) + "/" + strconv.FormatUint(uint64(id.TxnID), 10))
}

// gidComparator orders the low-water heap smallest first.
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

// Manager maps server transaction ids to GIDs and tracks whether each
// transaction was committed. Records are written through to the store so a
// transaction resent after a restart keeps its GID and is not applied twice.
type Manager struct {
	logger *zap.Logger
	store  raft.StableStore
	seq    *Sequence

	mu      sync.Mutex
	records map[transaction.ServerTransactionID]*record
	byGID   map[transaction.GlobalTransactionID]*record
	open    *priorityqueue.Queue // GIDs not yet committed, pruned lazily
}

// NewManager creates a Manager over store, reserving GIDs block at a time.
func NewManager(store raft.StableStore, block uint64, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seq, err := NewSequence(store, block)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		logger:  logger.Named("gtx"),
		store:   store,
		seq:     seq,
		records: make(map[transaction.ServerTransactionID]*record),
		byGID:   make(map[transaction.GlobalTransactionID]*record),
		open:    priorityqueue.NewWith(gidComparator),
	}
	m.logger.Info("global transaction manager started", zap.Uint64("next_gid", uint64(seq.Current())))
	return m, nil
}

// lookupLocked returns the record of id from memory or the store.
func (m *Manager) lookupLocked(id transaction.ServerTransactionID) (*record, error) {
	if r, ok := m.records[id]; ok {
		return r, nil
	}
	buf, err := m.store.Get(recordKey(id))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read gid record of %s", id)
	}
	r, ok := decodeRecord(id, buf)
	if !ok {
		return nil, nil
	}
	m.trackLocked(r)
	return r, nil
}

func (m *Manager) trackLocked(r *record) {
	m.records[r.id] = r
	m.byGID[r.gid] = r
	if r.state != stateCommitted {
		m.open.Enqueue(r.gid)
	}
}

func (m *Manager) saveLocked(r *record) error {
	if err := m.store.Set(recordKey(r.id), r.encode()); err != nil {
		return errors.Wrapf(err, "failed to save gid record of %s", r.id)
	}
	return nil
}

// GetOrCreateGlobalTransactionID returns the GID of id, assigning the next
// GID if the transaction has none.
func (m *Manager) GetOrCreateGlobalTransactionID(id transaction.ServerTransactionID) (transaction.GlobalTransactionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookupLocked(id)
	if err != nil {
		return transaction.NullGID, err
	}
	if r != nil {
		return r.gid, nil
	}
	gid, err := m.seq.Next()
	if err != nil {
		return transaction.NullGID, err
	}
	r = &record{id: id, gid: gid, state: stateAssigned}
	if err := m.saveLocked(r); err != nil {
		return transaction.NullGID, err
	}
	m.trackLocked(r)
	return gid, nil
}

// GetGlobalTransactionID returns the GID of id, or NullGID if none was assigned.
func (m *Manager) GetGlobalTransactionID(id transaction.ServerTransactionID) (transaction.GlobalTransactionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookupLocked(id)
	if err != nil || r == nil {
		return transaction.NullGID, err
	}
	return r.gid, nil
}

// CreateGlobalTransactionID records gid, minted by the active server, for id.
// Recording the same pair twice is allowed; a different GID is a conflict.
func (m *Manager) CreateGlobalTransactionID(id transaction.ServerTransactionID, gid transaction.GlobalTransactionID) error {
	if gid.IsNull() {
		return errors.Wrapf(ErrUnknownTransaction, "null gid relayed for %s", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if r != nil {
		if r.gid != gid {
			return errors.Wrapf(ErrGIDConflict, "%s has gid %d, relayed %d", id, r.gid, gid)
		}
		return nil
	}
	if other, ok := m.byGID[gid]; ok {
		return errors.Wrapf(ErrGIDConflict, "gid %d already belongs to %s, relayed for %s", gid, other.id, id)
	}
	if err := m.seq.AdvancePast(gid); err != nil {
		return err
	}
	r = &record{id: id, gid: gid, state: stateAssigned}
	if err := m.saveLocked(r); err != nil {
		return err
	}
	m.trackLocked(r)
	return nil
}

// InitiateApply reports whether id must be applied. It is false for a
// transaction committed before, which happens when a client resends it.
func (m *Manager) InitiateApply(id transaction.ServerTransactionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookupLocked(id)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, errors.Wrapf(ErrUnknownTransaction, "initiate apply of %s", id)
	}
	if r.state == stateCommitted {
		return false, nil
	}
	r.state = stateApplying
	return true, nil
}

// RecordApplyResults marks id applied but not yet committed.
func (m *Manager) RecordApplyResults(id transaction.ServerTransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Wrapf(ErrUnknownTransaction, "record apply of %s", id)
	}
	if r.state != stateCommitted {
		r.state = stateApplied
	}
	return nil
}

// Commit marks id committed durably.
func (m *Manager) Commit(id transaction.ServerTransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if r == nil {
		return errors.Wrapf(ErrUnknownTransaction, "commit of %s", id)
	}
	if r.state == stateCommitted {
		return nil
	}
	r.state = stateCommitted
	return m.saveLocked(r)
}

// SkipApplyAndCommit commits id without it having been applied.
func (m *Manager) SkipApplyAndCommit(id transaction.ServerTransactionID) error {
	return m.Commit(id)
}

// LowWaterMark returns the lowest GID not yet committed, or the next GID to
// be issued if every known transaction is committed.
func (m *Manager) LowWaterMark() transaction.GlobalTransactionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.open.Empty() {
		v, _ := m.open.Peek()
		gid := v.(transaction.GlobalTransactionID)
		if r, ok := m.byGID[gid]; ok && r.state != stateCommitted {
			return gid
		}
		m.open.Dequeue()
	}
	return m.seq.Current()
}

// ShutdownNode forgets the committed records of a disconnected node. The node
// can no longer resend, so its records are tombstoned in the store as well.
func (m *Manager) ShutdownNode(node transaction.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept, dropped int
	for id, r := range m.records {
		if id.Source != node {
			continue
		}
		if r.state != stateCommitted {
			kept++
			continue
		}
		if err := m.store.Set(recordKey(id), []byte{}); err != nil {
			return errors.Wrapf(err, "failed to drop gid record of %s", id)
		}
		delete(m.records, id)
		delete(m.byGID, r.gid)
		dropped++
	}
	m.logger.Info("dropped gid records of node", zap.String("node", string(node)),
		zap.Int("dropped", dropped), zap.Int("uncommitted", kept))
	return nil
}
