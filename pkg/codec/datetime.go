package codec

import (
	"encoding/binary"
	"time"
)

// DateTimeLen is the size of a GATT Date Time field.
const DateTimeLen = 7

// ReadDateTime reads a GATT date-time (year u16, month, day, hour, minute,
// second) at off, in the host's local location.
func ReadDateTime(b []byte, off int) (time.Time, error) {
	if off < 0 || len(b) < off+DateTimeLen {
		return time.Time{}, shortBuffer("date time", off+DateTimeLen, len(b))
	}
	year := int(binary.LittleEndian.Uint16(b[off:]))
	return time.Date(year, time.Month(b[off+2]), int(b[off+3]),
		int(b[off+4]), int(b[off+5]), int(b[off+6]), 0, time.Local), nil
}
