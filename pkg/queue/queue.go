package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jwoglom/wearlink/pkg/state"
)

// DefaultOperationTimeout bounds each link operation when Options leaves it
// unset.
const DefaultOperationTimeout = 10 * time.Second

// Link executes single GATT operations. Each call returns once the device
// acknowledged it or ctx is done.
type Link interface {
	Write(ctx context.Context, char uuid.UUID, payload []byte) error
	Read(ctx context.Context, char uuid.UUID) ([]byte, error)
	SetNotify(ctx context.Context, char uuid.UUID, enabled bool) error
}

// Observer is told about queue activity. pkg/metrics implements it.
type Observer interface {
	OperationDone(kind OpKind, err error, elapsed time.Duration)
	TransactionDone(name string, err error, elapsed time.Duration)
	QueueDepth(n int)
}

// Options configures a Queue.
type Options struct {
	OperationTimeout time.Duration

	// WriteRate paces write operations. Zero disables pacing.
	WriteRate  rate.Limit
	WriteBurst int

	// OnState is called for SetState operations.
	OnState func(s state.DeviceState)

	// OnFailure is called on the dispatcher goroutine when a transaction is
	// abandoned. It is not called for transactions failed by Close.
	OnFailure func(err *LinkOperationError)

	Observer Observer
}

type job struct {
	tx     *Transaction
	result *Result
}

// Queue runs submitted transactions against a Link in FIFO order.
type Queue struct {
	link    Link
	opts    Options
	limiter *rate.Limiter

	mutex   sync.Mutex
	pending []job
	closed  bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a queue and starts its dispatcher.
func New(link Link, opts Options) *Queue {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		link:   link,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if opts.WriteRate > 0 {
		burst := opts.WriteBurst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(opts.WriteRate, burst)
	}

	go q.dispatch()
	return q
}

// Submit appends tx to the queue and returns its pending result. It is safe
// to call from any goroutine. Submitting the same transaction twice panics.
func (q *Queue) Submit(tx *Transaction) *Result {
	if !tx.submitted.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("queue: transaction %s submitted twice", tx))
	}
	res := newResult(tx)

	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		res.complete(ErrClosed)
		return res
	}
	q.pending = append(q.pending, job{tx: tx, result: res})
	depth := len(q.pending)
	q.mutex.Unlock()

	log.Tracef("Submitted transaction %s with %d operations (depth %d)", tx, tx.Len(), depth)
	if q.opts.Observer != nil {
		q.opts.Observer.QueueDepth(depth)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return res
}

// Len returns the number of transactions waiting to run, excluding the one
// in flight.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.pending)
}

// Close cancels the in-flight operation, fails every pending transaction
// with ErrClosed and waits for the dispatcher to exit. It is idempotent.
func (q *Queue) Close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		<-q.done
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mutex.Unlock()

	q.cancel()
	<-q.done

	for _, j := range pending {
		j.result.complete(ErrClosed)
	}
	if len(pending) > 0 {
		log.Debugf("Queue closed, failed %d pending transactions", len(pending))
	}
}

func (q *Queue) next() (job, bool) {
	q.mutex.Lock()
	if len(q.pending) == 0 {
		q.mutex.Unlock()
		return job{}, false
	}
	j := q.pending[0]
	q.pending[0] = job{}
	q.pending = q.pending[1:]
	depth := len(q.pending)
	q.mutex.Unlock()

	if q.opts.Observer != nil {
		q.opts.Observer.QueueDepth(depth)
	}
	return j, true
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		j, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		if q.ctx.Err() != nil {
			j.result.complete(ErrClosed)
			return
		}
		q.run(j)
	}
}

func (q *Queue) run(j job) {
	tx := j.tx
	start := time.Now()
	log.Debugf("Running transaction %s (%d ops)", tx, tx.Len())

	var failure *LinkOperationError
	for i, op := range tx.ops {
		err := q.execute(op)
		if err == nil {
			continue
		}
		if q.ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrClosed, err)
		}
		failure = &LinkOperationError{
			Transaction: tx.Name,
			ID:          tx.ID.String(),
			Index:       i,
			Op:          op,
			Err:         err,
		}
		break
	}

	elapsed := time.Since(start)
	if q.opts.Observer != nil {
		var err error
		if failure != nil {
			err = failure
		}
		q.opts.Observer.TransactionDone(tx.Name, err, elapsed)
	}

	if failure == nil {
		log.Tracef("Transaction %s completed in %v", tx, elapsed)
		j.result.complete(nil)
		return
	}

	log.Warnf("Transaction %s abandoned after %d/%d ops: %v", tx, failure.Index, tx.Len(), failure.Err)
	if q.opts.OnFailure != nil && !errors.Is(failure, ErrClosed) {
		q.opts.OnFailure(failure)
	}
	j.result.complete(failure)
}

func (q *Queue) execute(op Operation) error {
	start := time.Now()
	err := q.executeBounded(op)
	if q.opts.Observer != nil {
		q.opts.Observer.OperationDone(op.Kind, err, time.Since(start))
	}
	return err
}

// executeBounded runs op under the operation timeout. A link that ignores
// ctx still cannot stall the dispatcher past the deadline.
func (q *Queue) executeBounded(op Operation) error {
	if op.Kind == OpSetState {
		if q.opts.OnState != nil {
			q.opts.OnState(op.State)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.OperationTimeout)
	defer cancel()

	if op.Kind == OpWrite && q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("write pacing: %w", err)
		}
	}

	type outcome struct {
		value []byte
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		switch op.Kind {
		case OpWrite:
			o.err = q.link.Write(ctx, op.Char, op.Payload)
		case OpRead:
			o.value, o.err = q.link.Read(ctx, op.Char)
		case OpEnableNotify:
			o.err = q.link.SetNotify(ctx, op.Char, op.Enabled)
		default:
			o.err = fmt.Errorf("unknown operation kind %d", op.Kind)
		}
		ch <- o
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return o.err
		}
		if op.Kind == OpRead && op.OnRead != nil {
			op.OnRead(o.value)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
