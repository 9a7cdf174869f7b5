package transaction

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrShutdown is returned by waits aborted because the server is shutting down.
var ErrShutdown = errors.New("transaction wait aborted by shutdown")

// future is a one-shot completion signal. Once fired or aborted it stays so.
type future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) complete(err error) bool {
	fired := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		fired = true
	})
	return fired
}

func (f *future) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// wait blocks until the future completes or ctx ends. A context error is
// returned to the caller as is, so a cancelled wait is always visible.
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		// complete and cancel may race; prefer the completed result.
		if f.isDone() {
			return f.err
		}
		return ctx.Err()
	}
}
