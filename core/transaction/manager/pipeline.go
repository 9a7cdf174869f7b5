package manager

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

// DefaultApplyWorkers is the apply stage width used when none is configured.
const DefaultApplyWorkers = 4

var errPipelineStopped = errors.New("transaction pipeline stopped")

// PipelineConfig configures the stages run by a Pipeline.
type PipelineConfig struct {
	ApplyWorkers int
	Broadcaster  Broadcaster
	MetaData     MetaDataProcessor
}

// Pipeline runs the lookup, apply and commit stages of a TransactionManager
// as goroutines joined by channels. Apply runs on several workers; the
// sequencer keeps transactions in flight object-disjoint.
type Pipeline struct {
	logger      *zap.Logger
	tm          *TransactionManager
	tom         *TxnObjectManager
	broadcaster Broadcaster
	metaData    MetaDataProcessor
	workers     int

	applyCh  chan *ApplyContext
	commitCh chan *CommitContext
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
}

// NewPipeline creates a pipeline over tm. Call Start to run it.
func NewPipeline(tm *TransactionManager, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.ApplyWorkers
	if workers <= 0 {
		workers = DefaultApplyWorkers
	}
	return &Pipeline{
		logger:      logger.Named("txn_pipeline"),
		tm:          tm,
		tom:         tm.TxnObjectManager(),
		broadcaster: cfg.Broadcaster,
		metaData:    cfg.MetaData,
		workers:     workers,
		applyCh:     make(chan *ApplyContext, workers*4),
		commitCh:    make(chan *CommitContext, workers*4),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the stage goroutines. It is a no-op after the first call.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(2 + p.workers)
	go p.lookupLoop()
	for i := 0; i < p.workers; i++ {
		go p.applyLoop(i)
	}
	go p.commitLoop()
	p.logger.Info("transaction pipeline started", zap.Int("apply_workers", p.workers))
}

// Stop signals every stage and waits for them to exit. Work still queued
// between stages is dropped.
func (p *Pipeline) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("transaction pipeline stopped")
}

func (p *Pipeline) lookupLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.tom.Ready():
		}
		ready, err := p.tom.LookupObjectsForTransactions()
		if err != nil {
			p.logger.Error("object lookup failed", zap.Error(err))
		}
		for _, ac := range ready {
			select {
			case p.applyCh <- ac:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Pipeline) applyLoop(worker int) {
	defer p.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger := p.logger.With(zap.Int("worker", worker))
	for {
		select {
		case <-p.stopCh:
			return
		case ac := <-p.applyCh:
			if err := p.process(ctx, ac); err != nil {
				if errors.Is(err, errPipelineStopped) {
					return
				}
				logger.Error("transaction apply failed", zap.Stringer("txn", ac.Txn.ServerTransactionID()), zap.Error(err))
			}
		}
	}
}

// process applies one transaction, runs its side channels and hands the
// grouping's commit to the commit stage when it is the last member.
func (p *Pipeline) process(ctx context.Context, ac *ApplyContext) error {
	txn := ac.Txn
	id := txn.ServerTransactionID()

	var (
		result ApplyResult
		err    error
	)
	switch {
	case ac.Err != nil:
		result, err = ApplyResult{Skipped: true}, ac.Err
	case ac.NeedsApply:
		result, err = p.tm.Apply(ctx, txn, ac.Objects)
		if err != nil {
			// release the objects all the same; the transaction stays unacknowledged
			result = ApplyResult{Skipped: true}
		}
	default:
		result.Skipped = true
		err = p.tm.SkipApplyAndCommit(txn)
	}

	if err == nil {
		// a skipped transaction was broadcast and indexed before the restart
		p.broadcast(ctx, txn, ac.NeedsApply)
		p.processMetaData(ctx, txn, ac.NeedsApply)
	}

	if cc := p.tom.ApplyTransactionComplete(txn, result); cc != nil {
		select {
		case p.commitCh <- cc:
		case <-p.stopCh:
			return errPipelineStopped
		}
	}
	return errors.Wrapf(err, "txn %s", id)
}

func (p *Pipeline) broadcast(ctx context.Context, txn *transaction.ServerTransaction, send bool) {
	id := txn.ServerTransactionID()
	if send && p.broadcaster != nil && p.tm.IsActive() {
		waitees, err := p.broadcaster.Broadcast(ctx, txn)
		if err != nil {
			p.logger.Warn("broadcast failed", zap.Stringer("txn", id), zap.Error(err))
		}
		// waitees go in before the broadcast flag so completion waits for their acks
		for _, node := range waitees {
			if err := p.tm.AddWaitingForAcknowledgement(txn.Source, txn.ID, node); err != nil {
				p.logger.Warn("failed to add waitee", zap.Stringer("txn", id), zap.String("waitee", string(node)), zap.Error(err))
			}
		}
	}
	p.tm.Broadcasted(id)
}

func (p *Pipeline) processMetaData(ctx context.Context, txn *transaction.ServerTransaction, run bool) {
	if !txn.NeedsMetaDataProcessing() {
		return
	}
	id := txn.ServerTransactionID()
	if run && p.metaData != nil {
		if err := p.metaData.ProcessMetaData(ctx, txn); err != nil {
			p.logger.Warn("metadata processing failed", zap.Stringer("txn", id), zap.Error(err))
		}
	}
	p.tm.ProcessingMetaDataCompleted(id)
}

func (p *Pipeline) commitLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case cc := <-p.commitCh:
			if err := p.tm.Commit(cc); err != nil {
				p.logger.Error("root listener failed on commit", zap.Error(err))
			}
		}
	}
}
