//go:build !linux

package bluetooth

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Central is unavailable outside Linux
type Central struct{}

// New always fails on this platform
func New(deviceID int) (*Central, error) {
	log.Warn("pkg bluetooth; BLE central is only supported on Linux")
	return nil, ErrUnsupported
}

func (c *Central) SetConnectionHandler(handler ConnectionHandler) {}

func (c *Central) Connect(ctx context.Context, address string, services []uuid.UUID) (*Link, error) {
	return nil, ErrUnsupported
}

func (c *Central) Close() error { return nil }

// Link is unavailable outside Linux
type Link struct {
	address string
}

func (l *Link) Address() string { return l.address }

func (l *Link) HasCharacteristic(char uuid.UUID) bool { return false }

func (l *Link) OnNotification(handler NotificationHandler) {}

func (l *Link) Write(ctx context.Context, char uuid.UUID, payload []byte) error {
	return ErrUnsupported
}

func (l *Link) Read(ctx context.Context, char uuid.UUID) ([]byte, error) {
	return nil, ErrUnsupported
}

func (l *Link) SetNotify(ctx context.Context, char uuid.UUID, enabled bool) error {
	return ErrUnsupported
}

func (l *Link) Close() error { return nil }
