package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sushant-115/gojotx/core/replication/transport"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/batch"
)

// ErrMissingAssignment is returned for a relayed transaction the envelope gives no GID.
var ErrMissingAssignment = errors.New("relayed transaction has no gid assignment")

const (
	DefaultAckBatchSize = 128
	DefaultAckInterval  = 20 * time.Millisecond
)

// RelayedProcessor takes batches relayed by the active.
type RelayedProcessor interface {
	ProcessRelayed(ctx context.Context, bc *batch.Context) error
}

// PassiveConfig tunes the passive receiver.
type PassiveConfig struct {
	NodeID        transaction.NodeID
	ActiveAddress string
	AckBatchSize  int
	AckInterval   time.Duration
}

// Passive receives relayed batches and acknowledges applied transactions
// back to the active in batches.
type Passive struct {
	logger    *zap.Logger
	self      transaction.NodeID
	processor RelayedProcessor
	dialer    Dialer
	batchSize int
	interval  time.Duration

	mu         sync.Mutex
	activeAddr string
	session    uuid.UUID
	pending    []transaction.ServerTransactionID

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPassive creates the receiver. Start runs the ack flusher.
func NewPassive(processor RelayedProcessor, dialer Dialer, cfg PassiveConfig, logger *zap.Logger) *Passive {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AckBatchSize <= 0 {
		cfg.AckBatchSize = DefaultAckBatchSize
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = DefaultAckInterval
	}
	return &Passive{
		logger:     logger.Named("relay_passive"),
		self:       cfg.NodeID,
		processor:  processor,
		dialer:     dialer,
		batchSize:  cfg.AckBatchSize,
		interval:   cfg.AckInterval,
		activeAddr: cfg.ActiveAddress,
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// SetActiveAddress points acknowledgements at a new active.
func (p *Passive) SetActiveAddress(addr string) {
	p.mu.Lock()
	p.activeAddr = addr
	p.mu.Unlock()
}

// Session returns the session id of the active last heard from.
func (p *Passive) Session() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// HandleRelay stamps the relayed GIDs on the batch and processes it.
func (p *Passive) HandleRelay(ctx context.Context, env *Envelope) error {
	p.mu.Lock()
	if p.session != env.Session {
		if p.session != uuid.Nil {
			p.logger.Info("relay session changed", zap.String("old", p.session.String()), zap.String("new", env.Session.String()))
		}
		p.session = env.Session
	}
	p.mu.Unlock()

	bc, err := batch.Decode(env.Source, env.Batch)
	if err != nil {
		return errors.Wrapf(err, "relayed batch from %s", env.Source)
	}
	gids := make(map[transaction.TransactionID]transaction.GlobalTransactionID, len(env.GIDs))
	for _, a := range env.GIDs {
		gids[a.TxnID] = a.GID
	}
	for _, txn := range bc.Transactions {
		gid, ok := gids[txn.ID]
		if !ok || gid.IsNull() {
			return errors.Wrapf(ErrMissingAssignment, "txn %s", txn.ServerTransactionID())
		}
		txn.GlobalID = gid
	}
	return p.processor.ProcessRelayed(ctx, bc)
}

// SendRelayAcknowledgement queues id for the next ack to the active.
func (p *Passive) SendRelayAcknowledgement(id transaction.ServerTransactionID) error {
	p.mu.Lock()
	p.pending = append(p.pending, id)
	full := len(p.pending) >= p.batchSize
	p.mu.Unlock()
	if full {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start runs the background ack flusher.
func (p *Passive) Start() {
	p.wg.Add(1)
	go p.flushLoop()
}

// Stop flushes what is queued and stops the flusher.
func (p *Passive) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
	})
}

func (p *Passive) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.flushLogged(context.Background())
			return
		case <-ticker.C:
		case <-p.flushCh:
		}
		p.flushLogged(context.Background())
	}
}

func (p *Passive) flushLogged(ctx context.Context) {
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("failed to acknowledge relayed transactions", zap.Error(err))
	}
}

// Flush sends the queued acknowledgements. Acks that fail to send are
// dropped; the active treats an unreachable passive as gone.
func (p *Passive) Flush(ctx context.Context) error {
	p.mu.Lock()
	ids := p.pending
	p.pending = nil
	addr := p.activeAddr
	p.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	ack := Ack{From: p.self, IDs: ids}
	payload, err := ack.Marshal()
	if err != nil {
		return err
	}
	cc, err := p.dialer.Get(addr)
	if err != nil {
		return errors.Wrapf(err, "ack %d transactions", len(ids))
	}
	if _, err := transport.NewReplicationClient(cc).AckRelayed(ctx, wrapperspb.Bytes(payload)); err != nil {
		return errors.Wrapf(err, "ack %d transactions to %s", len(ids), addr)
	}
	return nil
}
