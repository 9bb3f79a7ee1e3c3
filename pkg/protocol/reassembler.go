package protocol

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// partial is a message whose chunks are still arriving
type partial struct {
	next    uint8 // remaining count the next chunk must carry
	chunks  int
	payload []byte
	updated time.Time
}

// Reassembler rebuilds messages from the chunks of one inbound stream.
// Chunks of different txIDs may interleave; within a txID they must arrive
// in order. Partial messages idle for longer than the timeout are dropped.
type Reassembler struct {
	mutex    sync.Mutex
	partials map[uint8]*partial
	timeout  time.Duration
	now      func() time.Time

	completed, outOfOrder, expired uint64

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

// minSweep bounds how often the expiry loop runs.
const minSweep = time.Millisecond

// NewReassembler creates a new packet reassembler and starts its expiry
// loop, which sweeps every timeout/2 but at most once per millisecond.
// Call Stop to end it.
func NewReassembler(timeout time.Duration) *Reassembler {
	period := timeout / 2
	if period < minSweep {
		period = minSweep
	}
	r := &Reassembler{
		partials: make(map[uint8]*partial),
		timeout:  timeout,
		now:      time.Now,
		ticker:   time.NewTicker(period),
		stop:     make(chan struct{}),
	}
	go r.expireLoop()
	return r
}

// Stop ends the expiry loop. It may be called more than once.
func (r *Reassembler) Stop() {
	r.stopOnce.Do(func() {
		r.ticker.Stop()
		close(r.stop)
	})
}

func (r *Reassembler) expireLoop() {
	for {
		select {
		case t := <-r.ticker.C:
			r.cleanupOldBuffers(t)
		case <-r.stop:
			return
		}
	}
}

func (r *Reassembler) cleanupOldBuffers(now time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for txID, p := range r.partials {
		if age := now.Sub(p.updated); age > r.timeout {
			log.Warnf("Dropping partial message txID=%d after %v (%d chunks, %d more expected)",
				txID, age, p.chunks, int(p.next)+1)
			delete(r.partials, txID)
			r.expired++
		}
	}
}

// AddPacket consumes one chunk. It returns the whole message once the
// chunk with remaining count 0 arrives.
func (r *Reassembler) AddPacket(packet []byte) ([]byte, bool, error) {
	header, err := ParsePacketHeader(packet)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse packet header: %w", err)
	}
	payload := packet[HeaderLen:]

	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, exists := r.partials[header.TxID]
	switch {
	case !exists && header.RemainingPackets == 0:
		// single chunk message
		r.completed++
		return append([]byte(nil), payload...), true, nil

	case !exists:
		p = &partial{next: header.RemainingPackets}
		r.partials[header.TxID] = p
		log.Tracef("Started message txID=%d, %d chunks", header.TxID, int(header.RemainingPackets)+1)
	}

	if header.RemainingPackets != p.next {
		delete(r.partials, header.TxID)
		r.outOfOrder++
		return nil, false, fmt.Errorf("out of order packet for txID=%d: remaining=%d, want %d",
			header.TxID, header.RemainingPackets, p.next)
	}

	p.payload = append(p.payload, payload...)
	p.chunks++
	p.updated = r.now()

	if header.RemainingPackets > 0 {
		p.next = header.RemainingPackets - 1
		return nil, false, nil
	}

	delete(r.partials, header.TxID)
	r.completed++
	log.Debugf("Assembled message: txID=%d, packets=%d, size=%d bytes, hex=%s",
		header.TxID, p.chunks, len(p.payload), hex.EncodeToString(p.payload))
	return p.payload, true, nil
}

// Reset drops every partial message
func (r *Reassembler) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.partials = make(map[uint8]*partial)
	log.Debug("Reassembler buffers cleared")
}

// GetStats returns statistics about the reassembler
func (r *Reassembler) GetStats() map[string]interface{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return map[string]interface{}{
		"activeBuffers": len(r.partials),
		"completed":     r.completed,
		"outOfOrder":    r.outOfOrder,
		"expired":       r.expired,
		"timeout":       r.timeout.String(),
	}
}
