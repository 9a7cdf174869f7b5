package manager

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Listener observes transactions moving through the manager. Listeners are
// called without manager locks held. A listener that panics is logged and
// skipped; delivery to the others continues.
type Listener interface {
	IncomingTransactions(source transaction.NodeID, ids []transaction.ServerTransactionID)
	TransactionApplied(id transaction.ServerTransactionID, newObjects []transaction.ObjectID)
	TransactionCompleted(id transaction.ServerTransactionID)
	ClientDisconnected(node transaction.NodeID)
}

// NopListener implements Listener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) IncomingTransactions(transaction.NodeID, []transaction.ServerTransactionID) {}
func (NopListener) TransactionApplied(transaction.ServerTransactionID, []transaction.ObjectID) {}
func (NopListener) TransactionCompleted(transaction.ServerTransactionID)                       {}
func (NopListener) ClientDisconnected(transaction.NodeID)                                      {}

// RootListener is told about roots bound by committed transactions. Its
// errors are returned from Commit, after every root listener ran.
type RootListener interface {
	RootCreated(name string, id transaction.ObjectID) error
}

// listenerSet is a copy-on-write observer list, so listeners may register or
// remove themselves while an event is being delivered.
type listenerSet struct {
	logger *zap.Logger

	mu        sync.Mutex
	listeners []Listener
	roots     []RootListener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]Listener, 0, len(s.listeners)+1)
	next = append(next, s.listeners...)
	s.listeners = append(next, l)
}

func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]Listener, 0, len(s.listeners))
	for _, existing := range s.listeners {
		if existing != l {
			next = append(next, existing)
		}
	}
	s.listeners = next
}

func (s *listenerSet) addRoot(l RootListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]RootListener, 0, len(s.roots)+1)
	next = append(next, s.roots...)
	s.roots = append(next, l)
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners
}

// each delivers event to every listener, logging and continuing past panics.
func (s *listenerSet) each(event string, fn func(Listener)) {
	for _, l := range s.snapshot() {
		s.deliver(event, l, fn)
	}
}

func (s *listenerSet) deliver(event string, l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transaction listener failed", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn(l)
}

// rootCreated runs every root listener for every root and returns their
// combined errors.
func (s *listenerSet) rootCreated(roots map[string]transaction.ObjectID) error {
	if len(roots) == 0 {
		return nil
	}
	s.mu.Lock()
	listeners := s.roots
	s.mu.Unlock()

	var err error
	for name, id := range roots {
		for _, l := range listeners {
			err = multierr.Append(err, l.RootCreated(name, id))
		}
	}
	return err
}
