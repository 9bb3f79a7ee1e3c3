package codec

import "bytes"

// DecodeBatteryLevel decodes a Battery Level payload (percent).
func DecodeBatteryLevel(b []byte) (uint8, error) {
	if len(b) < 1 {
		return 0, shortBuffer("battery level", 1, 0)
	}
	if b[0] > 100 {
		return 0, decodeErr("battery level", 0, "level %d out of range", b[0])
	}
	return b[0], nil
}

// DecodeString decodes a UTF-8 string characteristic, dropping the NUL
// padding some firmwares append.
func DecodeString(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
