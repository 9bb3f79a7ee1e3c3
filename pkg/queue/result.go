package queue

import (
	"context"
	"sync"
)

// Result is the pending outcome of a submitted transaction.
type Result struct {
	Transaction *Transaction

	once sync.Once
	done chan struct{}
	err  error
}

func newResult(tx *Transaction) *Result {
	return &Result{Transaction: tx, done: make(chan struct{})}
}

func (r *Result) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed when the transaction finished, successfully or not.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err returns the transaction error once Done is closed, nil before.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the transaction finished or ctx is done.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
