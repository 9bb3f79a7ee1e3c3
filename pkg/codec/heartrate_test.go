package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeartRate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name    string
		payload []byte
		bpm     int
		contact SensorContact
		energy  *int
		rr      []int
		valid   bool
	}{
		{
			name:    "uint8 no contact support",
			payload: []byte{0x00, 72},
			bpm:     72,
			contact: ContactUnsupported,
			valid:   true,
		},
		{
			name:    "contact detected",
			payload: []byte{HRFlagContactSupport | HRFlagContactDetected, 65},
			bpm:     65,
			contact: ContactDetected,
			valid:   true,
		},
		{
			name:    "contact not detected",
			payload: []byte{HRFlagContactSupport, 65},
			bpm:     65,
			contact: ContactNotDetected,
			valid:   false,
		},
		{
			name:    "uint16 with energy and rr",
			payload: []byte{HRFlagValueUint16 | HRFlagEnergyExpended | HRFlagRRIntervals, 0x2C, 0x01, 0x10, 0x00, 0x00, 0x04, 0x00, 0x02},
			bpm:     300,
			contact: ContactUnsupported,
			energy:  intPtr(16),
			rr:      []int{1000, 500},
			valid:   true,
		},
		{
			name:    "zero rate",
			payload: []byte{0x00, 0},
			contact: ContactUnsupported,
			valid:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeHeartRate(tt.payload, now)
			require.NoError(t, err)
			assert.Equal(t, tt.bpm, rec.BeatsPerMinute)
			assert.Equal(t, tt.contact, rec.SensorContact)
			assert.Equal(t, tt.energy, rec.EnergyExpended)
			if tt.rr != nil {
				assert.Equal(t, tt.rr, rec.RRIntervals)
			} else {
				assert.Empty(t, rec.RRIntervals)
			}
			assert.Equal(t, tt.valid, rec.Valid())
			assert.Equal(t, now, rec.Timestamp)
		})
	}
}

func TestDecodeHeartRateErrors(t *testing.T) {
	for name, payload := range map[string][]byte{
		"empty":          {},
		"flags only":     {0x00},
		"short uint16":   {HRFlagValueUint16, 0x2C},
		"short energy":   {HRFlagEnergyExpended, 60, 0x01},
		"odd rr trailer": {HRFlagRRIntervals, 60, 0x00, 0x04, 0x01},
	} {
		_, err := DecodeHeartRate(payload, time.Now())
		var de *DecodeError
		assert.ErrorAs(t, err, &de, name)
	}
}

func TestDecodeBatteryLevel(t *testing.T) {
	v, err := DecodeBatteryLevel([]byte{87})
	require.NoError(t, err)
	assert.Equal(t, uint8(87), v)

	_, err = DecodeBatteryLevel(nil)
	assert.Error(t, err)
	_, err = DecodeBatteryLevel([]byte{101})
	assert.Error(t, err)
}

func TestDecodeString(t *testing.T) {
	assert.Equal(t, "Acme Watch", DecodeString([]byte("Acme Watch\x00\x00")))
	assert.Equal(t, "", DecodeString(nil))
}

func TestReadDateTime(t *testing.T) {
	b := []byte{0xFF, 0xE8, 0x07, 12, 31, 23, 59, 58}
	ts, err := ReadDateTime(b, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.December, 31, 23, 59, 58, 0, time.Local), ts)

	_, err = ReadDateTime(b, 2)
	assert.Error(t, err)
}

func intPtr(v int) *int { return &v }
