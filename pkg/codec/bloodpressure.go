package codec

import (
	"math"
	"time"
)

// Blood Pressure Measurement flag bits. Bits above MeasurementStatus are
// reserved and ignored.
const (
	BPFlagUnitKPa           = 1 << 0
	BPFlagTimestamp         = 1 << 1
	BPFlagPulseRate         = 1 << 2
	BPFlagUserID            = 1 << 3
	BPFlagMeasurementStatus = 1 << 4
)

// KPaToMmHg converts kilopascal to millimetres of mercury.
const KPaToMmHg = 7.50061683

// BloodPressure is one cuff reading. Pressures are always mmHg.
type BloodPressure struct {
	Timestamp            time.Time
	Systolic             int
	Diastolic            int
	MeanArterialPressure int

	PulseRate         *int
	UserID            *uint8
	MeasurementStatus *uint8 // opaque bitfield
}

// bloodPressureLen returns the payload size implied by flags.
func bloodPressureLen(flags byte) int {
	n := 1 + 3*2
	if flags&BPFlagTimestamp != 0 {
		n += DateTimeLen
	}
	if flags&BPFlagPulseRate != 0 {
		n += 2
	}
	if flags&BPFlagUserID != 0 {
		n++
	}
	if flags&BPFlagMeasurementStatus != 0 {
		n++
	}
	return n
}

// DecodeBloodPressure decodes a Blood Pressure Measurement (or Intermediate
// Cuff Pressure) payload. now is used when the payload has no timestamp.
// A buffer shorter than its flags require fails the whole record.
func DecodeBloodPressure(b []byte, now time.Time) (BloodPressure, error) {
	const what = "blood pressure"
	if len(b) < 1 {
		return BloodPressure{}, shortBuffer(what, 1, 0)
	}
	flags := b[0]
	if need := bloodPressureLen(flags); len(b) < need {
		return BloodPressure{}, shortBuffer(what, need, len(b))
	}

	scale := 1.0
	if flags&BPFlagUnitKPa != 0 {
		scale = KPaToMmHg
	}
	pressure := func(off int) int {
		v, _ := ReadSFloat(b, off)
		return int(math.Round(v * scale))
	}

	rec := BloodPressure{
		Systolic:             pressure(1),
		Diastolic:            pressure(3),
		MeanArterialPressure: pressure(5),
		Timestamp:            now,
	}
	off := 7

	if flags&BPFlagTimestamp != 0 {
		ts, err := ReadDateTime(b, off)
		if err != nil {
			return BloodPressure{}, err
		}
		rec.Timestamp = ts
		off += DateTimeLen
	}
	if flags&BPFlagPulseRate != 0 {
		v, err := ReadSFloat(b, off)
		if err != nil {
			return BloodPressure{}, err
		}
		pulse := int(math.Round(v))
		rec.PulseRate = &pulse
		off += 2
	}
	if flags&BPFlagUserID != 0 {
		id := b[off]
		rec.UserID = &id
		off++
	}
	if flags&BPFlagMeasurementStatus != 0 {
		status := b[off]
		rec.MeasurementStatus = &status
	}
	return rec, nil
}
