package accesscount

import (
	"context"
	"sync"
)

// Future is the pending result of a rollup: the coarse table that now covers
// an inserted fine table, or nil when nothing was aggregated.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	table     *AccessCountTable
	callbacks []func(*AccessCountTable)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(table *AccessCountTable) *Future {
	f := newFuture()
	f.complete(table)
	return f
}

// complete resolves the future once; later calls are ignored
func (f *Future) complete(table *AccessCountTable) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.table = table
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(table)
	}
}

// then returns a future that resolves with the same value after fn ran
func (f *Future) then(fn func(*AccessCountTable)) *Future {
	next := newFuture()
	run := func(t *AccessCountTable) {
		fn(t)
		next.complete(t)
	}

	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		run(f.table)
	default:
		f.callbacks = append(f.callbacks, run)
		f.mu.Unlock()
	}
	return next
}

// Done is closed once the future resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolved
func (f *Future) Wait() *AccessCountTable {
	<-f.done
	return f.table
}

// WaitContext blocks until the future resolved or ctx is done
func (f *Future) WaitContext(ctx context.Context) (*AccessCountTable, error) {
	select {
	case <-f.done:
		return f.table, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
