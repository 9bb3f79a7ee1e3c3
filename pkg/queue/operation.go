// Package queue serializes GATT operations on one connection.
//
// Callers build a Transaction, a named ordered list of operations, and
// submit it. A single dispatcher goroutine per Queue executes transactions
// in submission order, one operation at a time, and never interleaves two
// transactions.
package queue

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwoglom/wearlink/pkg/state"
)

// OpKind identifies what an Operation does on the link.
type OpKind int

const (
	OpWrite OpKind = iota
	OpRead
	OpEnableNotify
	OpSetState
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpEnableNotify:
		return "enable_notify"
	case OpSetState:
		return "set_state"
	default:
		return "unknown"
	}
}

// Operation is one step of a transaction. Only the fields relevant to Kind
// are used.
type Operation struct {
	Kind    OpKind
	Char    uuid.UUID
	Payload []byte
	Enabled bool
	State   state.DeviceState

	// OnRead receives the value of a completed read. It runs on the
	// dispatcher goroutine and must not wait on the same queue.
	OnRead func(value []byte)
}

// WriteOp writes a copy of payload to char and waits for the
// acknowledgement. The caller may reuse payload afterwards.
func WriteOp(char uuid.UUID, payload []byte) Operation {
	return Operation{Kind: OpWrite, Char: char, Payload: bytes.Clone(payload)}
}

// ReadOp reads char and hands the value to onResult.
func ReadOp(char uuid.UUID, onResult func([]byte)) Operation {
	return Operation{Kind: OpRead, Char: char, OnRead: onResult}
}

// EnableNotifyOp subscribes to (or unsubscribes from) notifications or
// indications on char.
func EnableNotifyOp(char uuid.UUID, enabled bool) Operation {
	return Operation{Kind: OpEnableNotify, Char: char, Enabled: enabled}
}

// SetStateOp moves the connection to s when the queue reaches it.
func SetStateOp(s state.DeviceState) Operation {
	return Operation{Kind: OpSetState, State: s}
}

func (o Operation) String() string {
	switch o.Kind {
	case OpWrite:
		return fmt.Sprintf("write %s [%s]", o.Char, hex.EncodeToString(o.Payload))
	case OpRead:
		return fmt.Sprintf("read %s", o.Char)
	case OpEnableNotify:
		return fmt.Sprintf("enable_notify %s %t", o.Char, o.Enabled)
	case OpSetState:
		return fmt.Sprintf("set_state %s", o.State)
	default:
		return o.Kind.String()
	}
}
