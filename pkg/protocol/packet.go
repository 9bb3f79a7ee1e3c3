// Package protocol frames vendor envelopes into characteristic-sized chunks,
// reassembles inbound chunks, and tracks outstanding vendor requests.
package protocol

import (
	"encoding/hex"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// HeaderLen is the size of the per-chunk header.
const HeaderLen = 2

// MinChunkSize is the smallest chunk that still carries payload.
const MinChunkSize = HeaderLen + 1

// PacketHeader represents the header of a packet
type PacketHeader struct {
	RemainingPackets uint8
	TxID             uint8
}

// ParsePacketHeader parses the packet header from data
func ParsePacketHeader(data []byte) (*PacketHeader, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("packet too short for header: %d bytes", len(data))
	}

	return &PacketHeader{
		RemainingPackets: data[0],
		TxID:             data[1],
	}, nil
}

// GetPacketPayload extracts the payload (data after header) from a packet
func GetPacketPayload(data []byte) ([]byte, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("packet too short: %d bytes", len(data))
	}

	return data[HeaderLen:], nil
}

// AssemblePackets breaks message into packets of at most chunkSize bytes,
// header included. An empty message still produces one packet.
func AssemblePackets(chunkSize int, txID uint8, message []byte) ([][]byte, error) {
	if chunkSize < MinChunkSize {
		return nil, fmt.Errorf("chunk size %d too small, need at least %d", chunkSize, MinChunkSize)
	}

	payloadSize := chunkSize - HeaderLen
	totalPackets := (len(message) + payloadSize - 1) / payloadSize
	if totalPackets == 0 {
		totalPackets = 1
	}
	if totalPackets > 256 {
		return nil, fmt.Errorf("message too large: would require %d packets", totalPackets)
	}

	packets := make([][]byte, 0, totalPackets)

	for i := 0; i < totalPackets; i++ {
		start := i * payloadSize
		end := start + payloadSize
		if end > len(message) {
			end = len(message)
		}

		payload := message[start:end]

		packet := make([]byte, HeaderLen+len(payload))
		packet[0] = uint8(totalPackets - i - 1) // Remaining packets after this one
		packet[1] = txID
		copy(packet[HeaderLen:], payload)

		packets = append(packets, packet)

		log.Tracef("Created packet %d/%d: remaining=%d, txID=%d, size=%d",
			i+1, totalPackets, packet[0], packet[1], len(packet))
	}

	return packets, nil
}

// Framer allocates transaction IDs and chunks outbound messages for one
// connection.
type Framer struct {
	chunkSize int

	mutex    sync.Mutex
	nextTxID uint8
}

// NewFramer creates a framer producing packets of at most chunkSize bytes.
func NewFramer(chunkSize int) *Framer {
	return &Framer{chunkSize: chunkSize}
}

// AllocateTxID allocates a new transaction ID
func (f *Framer) AllocateTxID() uint8 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	txID := f.nextTxID
	f.nextTxID++ // Will wrap around at 256

	log.Tracef("Allocated transaction ID: %d", txID)
	return txID
}

// Frame chunks message under a freshly allocated transaction ID.
func (f *Framer) Frame(message []byte) ([][]byte, error) {
	return AssemblePackets(f.chunkSize, f.AllocateTxID(), message)
}

// LogPacket logs a packet in a readable format
func LogPacket(direction, stream string, data []byte) {
	if len(data) < HeaderLen {
		log.Warnf("%s packet on %s too short: %s", direction, stream, hex.EncodeToString(data))
		return
	}

	header, _ := ParsePacketHeader(data)
	payload, _ := GetPacketPayload(data)

	log.Debugf("%s packet on %s: remaining=%d, txID=%d, payload=%s",
		direction, stream, header.RemainingPackets, header.TxID, hex.EncodeToString(payload))
}
