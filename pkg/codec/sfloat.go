package codec

import (
	"encoding/binary"
	"math"
)

// DecodeSFloat decodes an IEEE-11073 16-bit short float: a 12-bit signed
// mantissa and a 4-bit signed base-10 exponent. Every bit pattern decodes
// through the same arithmetic, including the reserved NaN/NRes/INF values.
func DecodeSFloat(raw uint16) float64 {
	mantissa := int(raw & 0x0FFF)
	if mantissa >= 0x0800 {
		mantissa -= 0x1000
	}
	exponent := int((raw >> 12) & 0x0F)
	if exponent >= 0x08 {
		exponent -= 0x10
	}
	return float64(mantissa) * math.Pow10(exponent)
}

// EncodeSFloat packs a mantissa (-2048..2047) and exponent (-8..7) into the
// 16-bit wire form. Out of range inputs are truncated to their low bits.
func EncodeSFloat(mantissa int16, exponent int8) uint16 {
	return uint16(exponent&0x0F)<<12 | uint16(mantissa)&0x0FFF
}

// ReadSFloat reads a little-endian SFloat at off.
func ReadSFloat(b []byte, off int) (float64, error) {
	if off < 0 || len(b) < off+2 {
		return 0, shortBuffer("sfloat", off+2, len(b))
	}
	return DecodeSFloat(binary.LittleEndian.Uint16(b[off:])), nil
}
