// Package bluetooth is the BLE central transport: it scans for configured
// devices, connects, discovers their characteristics and exposes each
// connection as a link for the transaction queue.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrUnsupported is returned on platforms without a BLE implementation.
var ErrUnsupported = errors.New("bluetooth not supported on this platform")

// ErrLinkClosed is returned by operations on a closed or dropped link.
var ErrLinkClosed = errors.New("bluetooth: link closed")

// NotificationHandler is called for every notification or indication a
// link receives. It runs on the transport's goroutine.
type NotificationHandler func(char uuid.UUID, payload []byte)

// ConnectionHandler is called when a device link goes up or down.
type ConnectionHandler func(address string, connected bool)

// sigBase is the Bluetooth base UUID, used for 16- and 32-bit short forms.
var sigBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// ExpandUUID parses a characteristic or service UUID in any of the common
// textual forms: 4 or 8 hex digits (SIG short forms), or 32 hex digits with
// or without dashes.
func ExpandUUID(s string) (uuid.UUID, error) {
	hexDigits := strings.ToLower(strings.ReplaceAll(s, "-", ""))
	switch len(hexDigits) {
	case 4:
		hexDigits = "0000" + hexDigits
		fallthrough
	case 8:
		short, err := strconv.ParseUint(hexDigits, 16, 32)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("invalid short uuid %q: %w", s, err)
		}
		u := sigBase
		u[0] = byte(short >> 24)
		u[1] = byte(short >> 16)
		u[2] = byte(short >> 8)
		u[3] = byte(short)
		return u, nil
	case 32:
		return uuid.Parse(hexDigits)
	default:
		return uuid.UUID{}, fmt.Errorf("invalid uuid %q", s)
	}
}

// normalizeAddress makes adapter addresses comparable.
func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// run executes a blocking transport call under ctx. The call keeps running
// in the background if ctx ends first; its result is discarded.
func run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
