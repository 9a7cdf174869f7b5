// Package batchmgr is the front door for transaction batches. It decodes wire
// bytes, checks per-node sequence order, tracks every batch until all of its
// transactions completed and acknowledges finished batches to clients in
// growing windows. A node is only shut down once its batches drained.
package batchmgr

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
	"github.com/sushant-115/gojotx/core/transaction/manager"
)

var (
	// ErrSequenceRegression is returned for a batch whose sequence ids go backwards.
	ErrSequenceRegression = errors.New("transaction sequence id moved backwards")
	// ErrNodeShuttingDown is returned for a batch from a node being shut down.
	ErrNodeShuttingDown = errors.New("node is shutting down")
	// ErrDuplicateBatch is returned when a batch id is still outstanding for the node.
	ErrDuplicateBatch = errors.New("batch already outstanding")
	// ErrRepeatedTransaction is returned for a batch naming one transaction id twice.
	ErrRepeatedTransaction = errors.New("transaction id repeated in batch")
)

// TransactionManager is the part of the transaction manager batches feed.
type TransactionManager interface {
	IncomingTransactions(ctx context.Context, source transaction.NodeID, txns []*transaction.ServerTransaction) error
	ShutdownNode(node transaction.NodeID)
}

// Sequencer orders batches before they reach the transaction manager.
type Sequencer interface {
	AddTransactions(ctx context.Context, b *batch.Context) error
	ClearAllTransactionsFor(ctx context.Context, node transaction.NodeID) error
}

// Transport sends batch acknowledgements to clients.
type Transport interface {
	SendBatchAcknowledgements(to transaction.NodeID, batches []transaction.BatchID) error
}

// Config tunes the batch manager.
type Config struct {
	MaxAckWindow int
}

type batchDef struct {
	remaining int
	// abandoned batches are never acknowledged to the client.
	abandoned bool
}

type nodeState struct {
	lastSeq      transaction.SequenceID
	batches      map[transaction.BatchID]*batchDef
	txnBatch     map[transaction.TransactionID]transaction.BatchID
	window       *ackWindow
	shuttingDown bool
}

// Manager tracks batch definitions per node. It listens to the transaction
// manager for completed transactions.
type Manager struct {
	manager.NopListener

	logger    *zap.Logger
	tm        TransactionManager
	transport Transport
	maxWindow int

	mu        sync.Mutex
	sequencer Sequencer
	nodes     map[transaction.NodeID]*nodeState

	outstanding atomic.Int64
	acked       atomic.Int64
}

// New creates a batch manager. The sequencer is set with SetSequencer, since
// it is built over the processor this manager provides.
func New(tm TransactionManager, transport Transport, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:    logger.Named("batch_manager"),
		tm:        tm,
		transport: transport,
		maxWindow: cfg.MaxAckWindow,
		nodes:     make(map[transaction.NodeID]*nodeState),
	}
}

// SetSequencer sets where defined batches go.
func (m *Manager) SetSequencer(s Sequencer) {
	m.mu.Lock()
	m.sequencer = s
	m.mu.Unlock()
}

// Processor returns the sink that hands ordered batches to the transaction manager.
func (m *Manager) Processor() *Processor { return &Processor{tm: m.tm} }

// Processor registers batches with the transaction manager.
type Processor struct {
	tm TransactionManager
}

// ProcessBatch registers the transactions of b.
func (p *Processor) ProcessBatch(ctx context.Context, b *batch.Context) error {
	return p.tm.IncomingTransactions(ctx, b.Source, b.Transactions)
}

// ProcessBatch decodes a batch received from source and passes it on. Any
// error means the connection must be closed.
func (m *Manager) ProcessBatch(ctx context.Context, source transaction.NodeID, data []byte) error {
	bc, err := batch.Decode(source, data)
	if err != nil {
		return errors.Wrapf(err, "batch from %s", source)
	}
	if err := m.define(bc); err != nil {
		return err
	}

	m.mu.Lock()
	seq := m.sequencer
	m.mu.Unlock()
	if err := seq.AddTransactions(ctx, bc); err != nil {
		m.undefine(bc)
		return err
	}
	if bc.Len() == 0 {
		m.batchFinished(source, bc.Header.BatchID)
	}
	return nil
}

// ProcessRelayed takes a batch relayed by the active server. Passives do not
// acknowledge batches to clients, so nothing is defined.
func (m *Manager) ProcessRelayed(ctx context.Context, bc *batch.Context) error {
	m.mu.Lock()
	seq := m.sequencer
	m.mu.Unlock()
	return seq.AddTransactions(ctx, bc)
}

func (m *Manager) define(bc *batch.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.nodes[bc.Source]
	if !ok {
		ns = &nodeState{
			batches:  make(map[transaction.BatchID]*batchDef),
			txnBatch: make(map[transaction.TransactionID]transaction.BatchID),
			window:   newAckWindow(m.maxWindow),
		}
		m.nodes[bc.Source] = ns
	}
	if ns.shuttingDown {
		return errors.Wrapf(ErrNodeShuttingDown, "batch %d from %s", bc.Header.BatchID, bc.Source)
	}
	if _, dup := ns.batches[bc.Header.BatchID]; dup {
		return errors.Wrapf(ErrDuplicateBatch, "batch %d from %s", bc.Header.BatchID, bc.Source)
	}
	last := ns.lastSeq
	seen := make(map[transaction.TransactionID]struct{}, bc.Len())
	for _, txn := range bc.Transactions {
		if _, ok := seen[txn.ID]; ok {
			return errors.Wrapf(ErrRepeatedTransaction, "txn %s in batch %d", txn.ServerTransactionID(), bc.Header.BatchID)
		}
		seen[txn.ID] = struct{}{}
		if txn.SequenceID < last {
			return errors.Wrapf(ErrSequenceRegression, "txn %s has sequence %d after %d", txn.ServerTransactionID(), txn.SequenceID, last)
		}
		last = txn.SequenceID
	}
	ns.lastSeq = last
	ns.batches[bc.Header.BatchID] = &batchDef{remaining: bc.Len()}
	for _, txn := range bc.Transactions {
		ns.txnBatch[txn.ID] = bc.Header.BatchID
	}
	m.outstanding.Inc()
	return nil
}

func (m *Manager) undefine(bc *batch.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.nodes[bc.Source]
	if !ok {
		return
	}
	if _, ok := ns.batches[bc.Header.BatchID]; !ok {
		return
	}
	delete(ns.batches, bc.Header.BatchID)
	for _, txn := range bc.Transactions {
		delete(ns.txnBatch, txn.ID)
	}
	m.outstanding.Dec()
}

// Abandon drops run, a part of a defined batch that could not be registered
// after the sequencer released it. The batch is no longer acknowledged; once
// its other transactions completed it stops being outstanding.
func (m *Manager) Abandon(run *batch.Context) {
	m.mu.Lock()
	ns, ok := m.nodes[run.Source]
	if !ok {
		m.mu.Unlock()
		return
	}
	def, ok := ns.batches[run.Header.BatchID]
	if !ok {
		m.mu.Unlock()
		return
	}
	for _, txn := range run.Transactions {
		if batchID, ok := ns.txnBatch[txn.ID]; ok && batchID == run.Header.BatchID {
			delete(ns.txnBatch, txn.ID)
			def.remaining--
		}
	}
	def.abandoned = true
	done := def.remaining <= 0
	m.mu.Unlock()

	m.logger.Warn("batch abandoned", zap.String("node", string(run.Source)), zap.Uint64("batch", uint64(run.Header.BatchID)))
	if done {
		m.batchFinished(run.Source, run.Header.BatchID)
	}
}

// TransactionCompleted counts id against its batch.
func (m *Manager) TransactionCompleted(id transaction.ServerTransactionID) {
	m.mu.Lock()
	ns, ok := m.nodes[id.Source]
	if !ok {
		m.mu.Unlock()
		return
	}
	batchID, ok := ns.txnBatch[id.TxnID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(ns.txnBatch, id.TxnID)
	def := ns.batches[batchID]
	def.remaining--
	done := def.remaining == 0
	m.mu.Unlock()

	if done {
		m.batchFinished(id.Source, batchID)
	}
}

func (m *Manager) batchFinished(node transaction.NodeID, batchID transaction.BatchID) {
	m.mu.Lock()
	ns, ok := m.nodes[node]
	if !ok {
		m.mu.Unlock()
		return
	}
	def, ok := ns.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(ns.batches, batchID)
	m.outstanding.Dec()
	idle := len(ns.batches) == 0

	var flush []transaction.BatchID
	if def.abandoned {
		if idle && !ns.shuttingDown {
			flush = ns.window.take()
		}
	} else if !ns.shuttingDown && (ns.window.add(batchID) || idle) {
		flush = ns.window.take()
	}
	shutdown := ns.shuttingDown && idle
	if shutdown {
		delete(m.nodes, node)
	}
	m.mu.Unlock()

	if len(flush) > 0 {
		m.acked.Add(int64(len(flush)))
		if err := m.transport.SendBatchAcknowledgements(node, flush); err != nil {
			m.logger.Warn("failed to acknowledge batches", zap.String("node", string(node)), zap.Int("batches", len(flush)), zap.Error(err))
		}
	}
	if shutdown {
		m.logger.Info("outstanding batches drained, shutting node down", zap.String("node", string(node)))
		m.tm.ShutdownNode(node)
	}
}

// ShutdownNode shuts a disconnected node down. Its resent transactions are no
// longer waited for; if batches are outstanding the shutdown of the
// transaction manager side waits until the last one completed.
func (m *Manager) ShutdownNode(ctx context.Context, node transaction.NodeID) error {
	m.mu.Lock()
	seq := m.sequencer
	m.mu.Unlock()
	var err error
	if seq != nil {
		err = seq.ClearAllTransactionsFor(ctx, node)
	}

	m.mu.Lock()
	ns, ok := m.nodes[node]
	if ok && len(ns.batches) > 0 {
		ns.shuttingDown = true
		ns.window.take()
		outstanding := len(ns.batches)
		m.mu.Unlock()
		m.logger.Info("node shutdown deferred until its batches complete", zap.String("node", string(node)), zap.Int("outstanding", outstanding))
		return err
	}
	delete(m.nodes, node)
	m.mu.Unlock()

	m.tm.ShutdownNode(node)
	return err
}

// OutstandingBatches returns the number of batches not yet completed.
func (m *Manager) OutstandingBatches() int64 { return m.outstanding.Load() }

// AcknowledgedBatches returns the number of batches acknowledged so far.
func (m *Manager) AcknowledgedBatches() int64 { return m.acked.Load() }
