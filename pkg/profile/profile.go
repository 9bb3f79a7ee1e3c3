// Package profile maps GATT characteristics to the protocol handlers that
// decode and build their payloads.
package profile

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/queue"
)

// Kind is the closed set of profile variants.
type Kind int

const (
	KindDeviceInfo Kind = iota
	KindBattery
	KindHeartRate
	KindBloodPressure
	KindAppConfig
)

func (k Kind) String() string {
	switch k {
	case KindDeviceInfo:
		return "device_info"
	case KindBattery:
		return "battery"
	case KindHeartRate:
		return "heart_rate"
	case KindBloodPressure:
		return "blood_pressure"
	case KindAppConfig:
		return "app_config"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindDeviceInfo; k <= KindAppConfig; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Profile handles the payloads of a fixed set of characteristics. Profiles
// never touch the link: they append operations to transactions and emit
// events.
type Profile interface {
	Kind() Kind

	// Characteristics is the capability set used for dispatch.
	Characteristics() []uuid.UUID

	// Handle decodes an inbound payload. It returns false if the payload
	// was not one the profile consumes.
	Handle(char uuid.UUID, payload []byte) bool

	// EnableNotifications appends the operations that subscribe to (or
	// unsubscribe from) the profile's notifying characteristics.
	EnableNotifications(tx *queue.Transaction, enabled bool)
}

// Env is what a profile gets from the connection that owns it.
type Env struct {
	Device string
	Sink   event.Sink
	Now    func() time.Time

	// Submit hands a transaction to the connection's queue. Only profiles
	// that answer device-initiated requests use it.
	Submit func(tx *queue.Transaction) *queue.Result
}

// Factory builds a profile bound to one connection.
type Factory func(env Env) Profile

func (e Env) header() event.Header {
	return event.Header{Device: e.Device, At: e.now()}
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) emit(ev event.Event) {
	if e.Sink != nil {
		e.Sink.Emit(ev)
	}
}

// SIGUUID expands a 16-bit Bluetooth SIG assigned number to its 128-bit
// form.
func SIGUUID(short uint16) uuid.UUID {
	u := uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return u
}

// Assigned numbers used by the standard profiles.
var (
	ServiceDeviceInformation = SIGUUID(0x180A)
	ServiceHeartRate         = SIGUUID(0x180D)
	ServiceBattery           = SIGUUID(0x180F)
	ServiceBloodPressure     = SIGUUID(0x1810)

	CharModelNumber      = SIGUUID(0x2A24)
	CharSerialNumber     = SIGUUID(0x2A25)
	CharFirmwareRevision = SIGUUID(0x2A26)
	CharHardwareRevision = SIGUUID(0x2A27)
	CharSoftwareRevision = SIGUUID(0x2A28)
	CharManufacturerName = SIGUUID(0x2A29)
	CharBatteryLevel     = SIGUUID(0x2A19)
	CharHeartRate        = SIGUUID(0x2A37)
	CharBloodPressure    = SIGUUID(0x2A35)
	CharIntermediateCuff = SIGUUID(0x2A36)
)
