package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/jwoglom/wearlink/pkg/state"
)

// Transaction is an ordered list of operations submitted as a unit. Build it
// with Begin and the fluent methods; once submitted it is frozen and any
// further mutation panics.
type Transaction struct {
	ID   ulid.ULID
	Name string

	ops       []Operation
	submitted atomic.Bool
}

// Begin starts a new transaction. name is diagnostic only.
func Begin(name string) *Transaction {
	return &Transaction{ID: ulid.Make(), Name: name}
}

func (t *Transaction) mutable() {
	if t.submitted.Load() {
		panic(fmt.Sprintf("queue: transaction %s modified after submit", t))
	}
}

// Add appends ops in order.
func (t *Transaction) Add(ops ...Operation) *Transaction {
	t.mutable()
	t.ops = append(t.ops, ops...)
	return t
}

func (t *Transaction) Write(char uuid.UUID, payload []byte) *Transaction {
	return t.Add(WriteOp(char, payload))
}

func (t *Transaction) Read(char uuid.UUID, onResult func([]byte)) *Transaction {
	return t.Add(ReadOp(char, onResult))
}

func (t *Transaction) EnableNotify(char uuid.UUID, enabled bool) *Transaction {
	return t.Add(EnableNotifyOp(char, enabled))
}

func (t *Transaction) SetState(s state.DeviceState) *Transaction {
	return t.Add(SetStateOp(s))
}

// Len returns the number of operations.
func (t *Transaction) Len() int {
	return len(t.ops)
}

// Operations returns a copy of the operation list.
func (t *Transaction) Operations() []Operation {
	return append([]Operation(nil), t.ops...)
}

// Submitted reports whether the transaction has been handed to a queue.
func (t *Transaction) Submitted() bool {
	return t.submitted.Load()
}

func (t *Transaction) String() string {
	return fmt.Sprintf("%s(%s)", t.Name, t.ID)
}
