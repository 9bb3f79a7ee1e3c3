package queue

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for transactions that could not run because the
// queue was closed.
var ErrClosed = errors.New("queue: closed")

// LinkOperationError reports the operation that failed a transaction. The
// operations after Index were not executed.
type LinkOperationError struct {
	Transaction string
	ID          string
	Index       int
	Op          Operation
	Err         error
}

func (e *LinkOperationError) Error() string {
	return fmt.Sprintf("queue: transaction %s (%s) failed at op %d (%s): %v",
		e.Transaction, e.ID, e.Index, e.Op, e.Err)
}

func (e *LinkOperationError) Unwrap() error {
	return e.Err
}
