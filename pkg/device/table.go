package device

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Table holds the live connections keyed by device address. It is owned by
// main and handed to the API server.
type Table struct {
	mutex sync.RWMutex
	conns map[string]*Connection
}

// NewTable creates an empty session table
func NewTable() *Table {
	return &Table{conns: make(map[string]*Connection)}
}

// Add registers c. An address can only have one live connection.
func (t *Table) Add(c *Connection) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.conns[c.Address()]; exists {
		return fmt.Errorf("device %s already has a connection", c.Address())
	}
	t.conns[c.Address()] = c
	log.Debugf("Session table: added %s (%d sessions)", c.Address(), len(t.conns))
	return nil
}

// Get returns the connection for address.
func (t *Table) Get(address string) (*Connection, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	c, ok := t.conns[address]
	return c, ok
}

// Remove drops address from the table without disposing it and returns the
// removed connection.
func (t *Table) Remove(address string) (*Connection, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	c, ok := t.conns[address]
	if ok {
		delete(t.conns, address)
		log.Debugf("Session table: removed %s (%d sessions)", address, len(t.conns))
	}
	return c, ok
}

// List returns the connections sorted by address.
func (t *Table) List() []*Connection {
	t.mutex.RLock()
	out := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	t.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Close disposes and removes every connection.
func (t *Table) Close() {
	t.mutex.Lock()
	conns := t.conns
	t.conns = make(map[string]*Connection)
	t.mutex.Unlock()

	for _, c := range conns {
		c.Dispose()
	}
}
