package event

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Observer is told about every emitted and dropped event. pkg/metrics
// implements it.
type Observer interface {
	EventEmitted(k Kind)
	EventDropped(k Kind)
}

// Bus is the event channel of one connection. Emit never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mutex  sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	observer Observer
	dropped  uint64
}

// NewBus creates a bus. observer may be nil.
func NewBus(observer Observer) *Bus {
	return &Bus{
		subs:     make(map[int]chan Event),
		observer: observer,
	}
}

// Subscribe registers a subscriber with the given channel buffer. cancel
// unsubscribes and closes the channel; it may be called more than once.
// Subscribing to a closed bus returns a closed channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Emit delivers e to every subscriber that has room for it.
func (b *Bus) Emit(e Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		log.Debugf("Dropping %s event for %s: bus closed", e.Kind(), e.Meta().Device)
		return
	}
	if b.observer != nil {
		b.observer.EventEmitted(e.Kind())
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
			log.Warnf("Subscriber %d is full, dropped %s event for %s (%d dropped total)",
				id, e.Kind(), e.Meta().Device, b.dropped)
			if b.observer != nil {
				b.observer.EventDropped(e.Kind())
			}
		}
	}
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. Later emits are discarded.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
