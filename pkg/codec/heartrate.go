package codec

import (
	"encoding/binary"
	"math"
	"time"
)

// Heart Rate Measurement flag bits.
const (
	HRFlagValueUint16     = 1 << 0
	HRFlagContactDetected = 1 << 1
	HRFlagContactSupport  = 1 << 2
	HRFlagEnergyExpended  = 1 << 3
	HRFlagRRIntervals     = 1 << 4
)

// SensorContact is the tri-state skin contact reported by a strap.
type SensorContact int

const (
	ContactUnsupported SensorContact = iota
	ContactDetected
	ContactNotDetected
)

func (c SensorContact) String() string {
	switch c {
	case ContactDetected:
		return "detected"
	case ContactNotDetected:
		return "not_detected"
	default:
		return "unsupported"
	}
}

// HeartRate is one Heart Rate Measurement notification.
type HeartRate struct {
	Timestamp      time.Time
	BeatsPerMinute int
	SensorContact  SensorContact
	EnergyExpended *int  // kilojoules, nil when not sent
	RRIntervals    []int // milliseconds, in wire order
}

// Valid reports whether the sample may be persisted: a strap that says it
// has no skin contact, or a zero rate, produced noise.
func (h HeartRate) Valid() bool {
	return h.SensorContact != ContactNotDetected && h.BeatsPerMinute > 0
}

// DecodeHeartRate decodes a Heart Rate Measurement payload and stamps it
// with now.
func DecodeHeartRate(b []byte, now time.Time) (HeartRate, error) {
	const what = "heart rate"
	if len(b) < 2 {
		return HeartRate{}, shortBuffer(what, 2, len(b))
	}
	flags := b[0]
	off := 1
	rec := HeartRate{Timestamp: now}

	if flags&HRFlagValueUint16 != 0 {
		if len(b) < off+2 {
			return HeartRate{}, shortBuffer(what, off+2, len(b))
		}
		rec.BeatsPerMinute = int(binary.LittleEndian.Uint16(b[off:]))
		off += 2
	} else {
		rec.BeatsPerMinute = int(b[off])
		off++
	}

	switch {
	case flags&HRFlagContactSupport == 0:
		rec.SensorContact = ContactUnsupported
	case flags&HRFlagContactDetected != 0:
		rec.SensorContact = ContactDetected
	default:
		rec.SensorContact = ContactNotDetected
	}

	if flags&HRFlagEnergyExpended != 0 {
		if len(b) < off+2 {
			return HeartRate{}, shortBuffer(what, off+2, len(b))
		}
		energy := int(binary.LittleEndian.Uint16(b[off:]))
		rec.EnergyExpended = &energy
		off += 2
	}

	if flags&HRFlagRRIntervals != 0 {
		rest := b[off:]
		if len(rest)%2 != 0 {
			return HeartRate{}, decodeErr(what, len(b)-1, "odd trailing byte in RR intervals")
		}
		rec.RRIntervals = make([]int, 0, len(rest)/2)
		for i := 0; i < len(rest); i += 2 {
			raw := binary.LittleEndian.Uint16(rest[i:])
			rec.RRIntervals = append(rec.RRIntervals, int(math.Round(float64(raw)*1000/1024)))
		}
	}
	return rec, nil
}
