package batchmgr

import "github.com/sushant-115/gojotx/core/transaction"

// DefaultMaxAckWindow bounds how many finished batches are acknowledged at once.
const DefaultMaxAckWindow = 32

// ackWindow collects finished batches of one node. The window starts at one
// batch and doubles on every flush until it reaches max.
type ackWindow struct {
	size     int
	max      int
	finished []transaction.BatchID
}

func newAckWindow(max int) *ackWindow {
	if max <= 0 {
		max = DefaultMaxAckWindow
	}
	return &ackWindow{size: 1, max: max}
}

// add records a finished batch and reports whether the window is full.
func (w *ackWindow) add(id transaction.BatchID) bool {
	w.finished = append(w.finished, id)
	return len(w.finished) >= w.size
}

// take returns the finished batches and grows the window.
func (w *ackWindow) take() []transaction.BatchID {
	out := w.finished
	w.finished = nil
	if len(out) > 0 && w.size < w.max {
		w.size *= 2
		if w.size > w.max {
			w.size = w.max
		}
	}
	return out
}
