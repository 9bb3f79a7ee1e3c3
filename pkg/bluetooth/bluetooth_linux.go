//go:build linux

package bluetooth

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/paypal/gatt"
	log "github.com/sirupsen/logrus"
)

// DefaultClientOptions contains the default options for the BLE central on Linux
var DefaultClientOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
	gatt.LnxDeviceID(-1, false),
}

type connectResult struct {
	peripheral gatt.Peripheral
	err        error
}

// Central owns the host adapter and the links opened through it
type Central struct {
	device gatt.Device

	poweredOn chan struct{}
	powerOnce sync.Once

	mutex      sync.Mutex
	discovered map[string]chan gatt.Peripheral
	connecting map[string]chan connectResult
	links      map[string]*Link

	connectionHandler ConnectionHandler
}

// New opens the HCI adapter. deviceID -1 selects the first available one.
func New(deviceID int) (*Central, error) {
	opts := append([]gatt.Option(nil), DefaultClientOptions...)
	if deviceID >= 0 {
		opts[1] = gatt.LnxDeviceID(deviceID, false)
	}

	d, err := gatt.NewDevice(opts...)
	if err != nil {
		return nil, fmt.Errorf("pkg bluetooth; failed to open device: %w", err)
	}

	c := &Central{
		device:     d,
		poweredOn:  make(chan struct{}),
		discovered: make(map[string]chan gatt.Peripheral),
		connecting: make(map[string]chan connectResult),
		links:      make(map[string]*Link),
	}

	d.Handle(
		gatt.PeripheralDiscovered(c.onDiscovered),
		gatt.PeripheralConnected(c.onConnected),
		gatt.PeripheralDisconnected(c.onDisconnected),
	)

	onStateChanged := func(d gatt.Device, s gatt.State) {
		log.Infof("pkg bluetooth; adapter state: %s", s)
		if s == gatt.StatePoweredOn {
			c.powerOnce.Do(func() { close(c.poweredOn) })
		}
	}

	if err := d.Init(onStateChanged); err != nil {
		return nil, fmt.Errorf("pkg bluetooth; could not init bluetooth: %w", err)
	}
	return c, nil
}

// SetConnectionHandler sets the callback for link up/down transitions
func (c *Central) SetConnectionHandler(handler ConnectionHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.connectionHandler = handler
}

func (c *Central) notifyConnection(address string, connected bool) {
	c.mutex.Lock()
	h := c.connectionHandler
	c.mutex.Unlock()
	if h != nil {
		h(address, connected)
	}
}

func (c *Central) onDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	address := normalizeAddress(p.ID())

	c.mutex.Lock()
	ch, wanted := c.discovered[address]
	if wanted {
		delete(c.discovered, address)
	}
	c.mutex.Unlock()

	if !wanted {
		log.Tracef("pkg bluetooth; ignoring advertisement from %s (%s, rssi %d)", address, a.LocalName, rssi)
		return
	}
	log.Debugf("pkg bluetooth; discovered %s (%s, rssi %d)", address, a.LocalName, rssi)
	ch <- p
}

func (c *Central) onConnected(p gatt.Peripheral, err error) {
	address := normalizeAddress(p.ID())

	c.mutex.Lock()
	ch, ok := c.connecting[address]
	delete(c.connecting, address)
	c.mutex.Unlock()

	if !ok {
		log.Warnf("pkg bluetooth; unexpected connection to %s, cancelling", address)
		c.device.CancelConnection(p)
		return
	}
	ch <- connectResult{peripheral: p, err: err}
}

func (c *Central) onDisconnected(p gatt.Peripheral, err error) {
	address := normalizeAddress(p.ID())
	log.Infof("pkg bluetooth; ** disconnect: %s (%v)", address, err)

	c.mutex.Lock()
	l, ok := c.links[address]
	delete(c.links, address)
	c.mutex.Unlock()

	if ok {
		l.closed.Store(true)
		c.notifyConnection(address, false)
	}
}

// Connect scans for address, connects and discovers every characteristic
// of the given services (all services when none are given).
func (c *Central) Connect(ctx context.Context, address string, services []uuid.UUID) (*Link, error) {
	address = normalizeAddress(address)

	select {
	case <-c.poweredOn:
	case <-ctx.Done():
		return nil, fmt.Errorf("pkg bluetooth; adapter not powered on: %w", ctx.Err())
	}

	found := make(chan gatt.Peripheral, 1)
	c.mutex.Lock()
	if _, busy := c.discovered[address]; busy {
		c.mutex.Unlock()
		return nil, fmt.Errorf("pkg bluetooth; already scanning for %s", address)
	}
	c.discovered[address] = found
	c.mutex.Unlock()

	log.Infof("pkg bluetooth; scanning for %s", address)
	c.device.Scan(nil, false)

	var p gatt.Peripheral
	select {
	case p = <-found:
	case <-ctx.Done():
		c.mutex.Lock()
		delete(c.discovered, address)
		c.mutex.Unlock()
		c.device.StopScanning()
		return nil, fmt.Errorf("pkg bluetooth; %s not found: %w", address, ctx.Err())
	}
	c.device.StopScanning()

	connected := make(chan connectResult, 1)
	c.mutex.Lock()
	c.connecting[address] = connected
	c.mutex.Unlock()

	c.device.Connect(p)

	select {
	case res := <-connected:
		if res.err != nil {
			return nil, fmt.Errorf("pkg bluetooth; connect %s: %w", address, res.err)
		}
	case <-ctx.Done():
		c.mutex.Lock()
		delete(c.connecting, address)
		c.mutex.Unlock()
		c.device.CancelConnection(p)
		return nil, fmt.Errorf("pkg bluetooth; connect %s: %w", address, ctx.Err())
	}

	l := &Link{
		central:    c,
		peripheral: p,
		address:    address,
		chars:      make(map[uuid.UUID]*gatt.Characteristic),
	}
	if err := run(ctx, func() error { return l.discover(services) }); err != nil {
		c.device.CancelConnection(p)
		return nil, fmt.Errorf("pkg bluetooth; discover %s: %w", address, err)
	}

	c.mutex.Lock()
	c.links[address] = l
	c.mutex.Unlock()

	log.Infof("pkg bluetooth; connected to %s, %d characteristics", address, len(l.chars))
	c.notifyConnection(address, true)
	return l, nil
}

// Close stops scanning and drops every open link
func (c *Central) Close() error {
	c.device.StopScanning()

	c.mutex.Lock()
	links := make([]*Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mutex.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	if s, ok := c.device.(interface{ Stop() error }); ok {
		return s.Stop()
	}
	return nil
}

// Link is one connected peripheral
type Link struct {
	central    *Central
	peripheral gatt.Peripheral
	address    string

	charsMtx sync.RWMutex
	chars    map[uuid.UUID]*gatt.Characteristic

	handlerMtx sync.RWMutex
	handler    NotificationHandler

	closed atomic.Bool
}

func (l *Link) discover(services []uuid.UUID) error {
	var filter []gatt.UUID
	for _, s := range services {
		filter = append(filter, gatt.MustParseUUID(s.String()))
	}

	ss, err := l.peripheral.DiscoverServices(filter)
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	for _, s := range ss {
		cs, err := l.peripheral.DiscoverCharacteristics(nil, s)
		if err != nil {
			return fmt.Errorf("characteristics of %s: %w", s.UUID(), err)
		}
		for _, ch := range cs {
			id, err := ExpandUUID(ch.UUID().String())
			if err != nil {
				log.Warnf("pkg bluetooth; skipping characteristic %s: %v", ch.UUID(), err)
				continue
			}
			if ch.Properties()&(gatt.CharNotify|gatt.CharIndicate) != 0 {
				if _, err := l.peripheral.DiscoverDescriptors(nil, ch); err != nil {
					return fmt.Errorf("descriptors of %s: %w", id, err)
				}
			}
			l.charsMtx.Lock()
			l.chars[id] = ch
			l.charsMtx.Unlock()
			log.Tracef("pkg bluetooth; %s: characteristic %s (properties 0x%02x)", l.address, id, ch.Properties())
		}
	}
	return nil
}

func (l *Link) characteristic(char uuid.UUID) (*gatt.Characteristic, error) {
	if l.closed.Load() {
		return nil, ErrLinkClosed
	}
	l.charsMtx.RLock()
	defer l.charsMtx.RUnlock()
	ch, ok := l.chars[char]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found on %s", char, l.address)
	}
	return ch, nil
}

// Address returns the peer address
func (l *Link) Address() string { return l.address }

// HasCharacteristic reports whether discovery found char
func (l *Link) HasCharacteristic(char uuid.UUID) bool {
	l.charsMtx.RLock()
	defer l.charsMtx.RUnlock()
	_, ok := l.chars[char]
	return ok
}

// OnNotification sets the callback for inbound notifications
func (l *Link) OnNotification(handler NotificationHandler) {
	l.handlerMtx.Lock()
	defer l.handlerMtx.Unlock()
	l.handler = handler
}

// Write writes payload, without response when the characteristic only
// supports that.
func (l *Link) Write(ctx context.Context, char uuid.UUID, payload []byte) error {
	ch, err := l.characteristic(char)
	if err != nil {
		return err
	}
	props := ch.Properties()
	noRsp := props&gatt.CharWrite == 0 && props&gatt.CharWriteNR != 0

	log.Tracef("pkg bluetooth; write %s on %s: %s", char, l.address, hex.EncodeToString(payload))
	return run(ctx, func() error { return l.peripheral.WriteCharacteristic(ch, payload, noRsp) })
}

// Read reads the current value of char
func (l *Link) Read(ctx context.Context, char uuid.UUID) ([]byte, error) {
	ch, err := l.characteristic(char)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = run(ctx, func() error {
		var err error
		value, err = l.peripheral.ReadCharacteristic(ch)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Tracef("pkg bluetooth; read %s on %s: %s", char, l.address, hex.EncodeToString(value))
	return value, nil
}

// SetNotify subscribes to notifications, or indications for characteristics
// that only indicate.
func (l *Link) SetNotify(ctx context.Context, char uuid.UUID, enabled bool) error {
	ch, err := l.characteristic(char)
	if err != nil {
		return err
	}

	var f func(*gatt.Characteristic, []byte, error)
	if enabled {
		f = func(_ *gatt.Characteristic, b []byte, err error) {
			if err != nil {
				log.Warnf("pkg bluetooth; notification error on %s/%s: %v", l.address, char, err)
				return
			}
			l.handlerMtx.RLock()
			h := l.handler
			l.handlerMtx.RUnlock()

			log.Tracef("pkg bluetooth; notification %s from %s: %s", char, l.address, hex.EncodeToString(b))
			if h != nil {
				h(char, append([]byte(nil), b...))
			}
		}
	}

	indicate := ch.Properties()&gatt.CharNotify == 0 && ch.Properties()&gatt.CharIndicate != 0
	log.Debugf("pkg bluetooth; %s notifications on %s: %t (indicate=%t)", l.address, char, enabled, indicate)
	return run(ctx, func() error {
		if indicate {
			return l.peripheral.SetIndicateValue(ch, f)
		}
		return l.peripheral.SetNotifyValue(ch, f)
	})
}

// Close cancels the connection. It is idempotent.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.central.mutex.Lock()
	delete(l.central.links, l.address)
	l.central.mutex.Unlock()

	l.central.device.CancelConnection(l.peripheral)
	log.Debugf("pkg bluetooth; closed link to %s", l.address)
	return nil
}
