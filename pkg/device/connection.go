// Package device ties one link, one queue, one profile registry and one
// event bus together into a device connection.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/profile"
	"github.com/jwoglom/wearlink/pkg/queue"
	"github.com/jwoglom/wearlink/pkg/state"
)

// Link is the transport of one connection.
type Link interface {
	queue.Link
	Close() error
}

// CharacteristicLister is implemented by links that know which
// characteristics the peer exposes. Reads of absent ones are skipped.
type CharacteristicLister interface {
	HasCharacteristic(char uuid.UUID) bool
}

// Options configures a Connection.
type Options struct {
	Queue queue.Options

	// EventObserver counts bus traffic. May be nil.
	EventObserver event.Observer

	// Now stamps events. Defaults to time.Now.
	Now func() time.Time
}

// Connection is one device session. It is never shared between devices.
type Connection struct {
	address  string
	link     Link
	queue    *queue.Queue
	registry *profile.Registry
	bus      *event.Bus
	now      func() time.Time

	stateMutex sync.RWMutex
	state      state.DeviceState

	teardownMutex sync.Mutex
	finalSent     bool
	disposed      atomic.Bool
}

// New creates a connection over an established link. Each factory builds
// one profile; two profiles of the same kind or claiming the same
// characteristic yield a *profile.ConfigurationError.
func New(address string, link Link, opts Options, factories ...profile.Factory) (*Connection, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Connection{
		address:  address,
		link:     link,
		registry: profile.NewRegistry(),
		bus:      event.NewBus(opts.EventObserver),
		now:      now,
		state:    state.Connected,
	}

	env := profile.Env{
		Device: address,
		Sink:   c.bus,
		Now:    now,
		Submit: c.Submit,
	}
	for _, f := range factories {
		if err := c.registry.Register(f(env)); err != nil {
			c.registry.Close()
			return nil, fmt.Errorf("device %s: %w", address, err)
		}
	}

	qopts := opts.Queue
	qopts.OnState = c.setState
	userFailure := qopts.OnFailure
	qopts.OnFailure = func(err *queue.LinkOperationError) {
		c.bus.Emit(event.TransactionFailed{
			Header:      c.header(),
			Transaction: err.Transaction,
			ID:          err.ID,
			Index:       err.Index,
			Op:          err.Op.String(),
			Err:         err.Err,
		})
		if userFailure != nil {
			userFailure(err)
		}
	}
	c.queue = queue.New(link, qopts)

	log.Infof("Device %s: connection created with %d profiles", address, len(factories))
	return c, nil
}

func (c *Connection) header() event.Header {
	return event.Header{Device: c.address, At: c.now()}
}

// Address returns the device address.
func (c *Connection) Address() string { return c.address }

// Events returns the connection's event bus.
func (c *Connection) Events() *event.Bus { return c.bus }

// Registry returns the profile registry.
func (c *Connection) Registry() *profile.Registry { return c.registry }

// State returns the current lifecycle state.
func (c *Connection) State() state.DeviceState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

func (c *Connection) setState(s state.DeviceState) {
	c.stateMutex.Lock()
	old := c.state
	c.state = s
	c.stateMutex.Unlock()

	if old == s {
		return
	}
	log.Debugf("Device %s: state %s -> %s", c.address, old, s)
	c.bus.Emit(event.StateChanged{Header: c.header(), State: s})
}

// Submit queues tx on this connection.
func (c *Connection) Submit(tx *queue.Transaction) *queue.Result {
	return c.queue.Submit(tx)
}

// QueueLen returns the number of transactions waiting to run.
func (c *Connection) QueueLen() int {
	return c.queue.Len()
}

// Initialize submits the setup transaction: state Initializing, every
// profile's notification subscriptions, device information and battery
// reads, state Initialized.
func (c *Connection) Initialize() *queue.Result {
	tx := queue.Begin("initialize").SetState(state.Initializing)
	c.registry.RequestEnableNotifications(tx, true)

	if p, ok := c.DeviceInfo(); ok {
		var available func(uuid.UUID) bool
		if l, ok := c.link.(CharacteristicLister); ok {
			available = l.HasCharacteristic
		}
		tx.Add(p.ReadOperations(available)...)
	}
	if p, ok := c.Battery(); ok {
		tx.Add(p.ReadOperation())
	}
	tx.SetState(state.Initialized)

	log.Debugf("Device %s: initializing with %d operations", c.address, tx.Len())
	return c.queue.Submit(tx)
}

// HandleNotification routes an inbound notification. It is the link's
// notification callback. Payloads arriving after teardown are dropped.
func (c *Connection) HandleNotification(char uuid.UUID, payload []byte) bool {
	if c.disposed.Load() {
		return false
	}
	return c.registry.Dispatch(char, payload)
}

// DeviceInfo returns the Device Information profile, if registered.
func (c *Connection) DeviceInfo() (*profile.DeviceInfo, bool) {
	p, ok := c.registry.Lookup(profile.KindDeviceInfo)
	if !ok {
		return nil, false
	}
	d, ok := p.(*profile.DeviceInfo)
	return d, ok
}

// Battery returns the Battery profile, if registered.
func (c *Connection) Battery() (*profile.Battery, bool) {
	p, ok := c.registry.Lookup(profile.KindBattery)
	if !ok {
		return nil, false
	}
	b, ok := p.(*profile.Battery)
	return b, ok
}

// AppConfig returns the vendor profile, if registered.
func (c *Connection) AppConfig() (*profile.AppConfig, bool) {
	p, ok := c.registry.Lookup(profile.KindAppConfig)
	if !ok {
		return nil, false
	}
	a, ok := p.(*profile.AppConfig)
	return a, ok
}

// emitFinal sends FinalDataAvailable. Only the first caller wins, whether
// it comes from Disconnect or Dispose. The emit happens under the lock so
// that Dispose cannot close the bus ahead of a racing Disconnect.
func (c *Connection) emitFinal() {
	c.teardownMutex.Lock()
	defer c.teardownMutex.Unlock()

	if c.finalSent {
		return
	}
	c.finalSent = true
	log.Debugf("Device %s: final data available", c.address)
	c.bus.Emit(event.FinalDataAvailable{Header: c.header()})
}

// Disconnect records that the link went down. The connection keeps its
// resources until Dispose.
func (c *Connection) Disconnect() {
	c.setState(state.Disconnected)
	c.emitFinal()
}

// Dispose tears the connection down: pending transactions fail with
// queue.ErrClosed, the link is closed and bus subscribers see their
// channels close. It is safe to call more than once and concurrently with
// Disconnect.
func (c *Connection) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	c.setState(state.Disconnected)
	c.emitFinal()

	c.queue.Close()
	c.registry.Close()
	if err := c.link.Close(); err != nil {
		log.Warnf("Device %s: closing link: %v", c.address, err)
	}
	c.bus.Close()
	log.Infof("Device %s: disposed", c.address)
}

// GetStats returns connection statistics
func (c *Connection) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"address":       c.address,
		"state":         c.State().String(),
		"queueLength":   c.queue.Len(),
		"droppedEvents": c.bus.Dropped(),
		"registry":      c.registry.GetStats(),
	}
}
