// Package event defines the typed events a device connection produces.
//
// Events are immutable values. Each carries everything a consumer needs to
// act on it without looking at the wire.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwoglom/wearlink/pkg/codec"
	"github.com/jwoglom/wearlink/pkg/state"
)

// Kind names an event variant.
type Kind string

const (
	KindStateChanged        Kind = "state_changed"
	KindDeviceInfo          Kind = "device_info"
	KindBatteryInfo         Kind = "battery_info"
	KindHeartRate           Kind = "heart_rate"
	KindBloodPressure       Kind = "blood_pressure"
	KindAppConfigGetSuccess Kind = "app_config_get_success"
	KindAppConfigGetFailed  Kind = "app_config_get_failed"
	KindAppConfigSetSuccess Kind = "app_config_set_success"
	KindAppConfigSetFailed  Kind = "app_config_set_failed"
	KindTransactionFailed   Kind = "transaction_failed"
	KindPermissionDenied    Kind = "permission_denied"
	KindHTTPProxied         Kind = "http_proxied"
	KindFinalDataAvailable  Kind = "final_data_available"
)

// Header is common to every event.
type Header struct {
	Device string    // address of the originating device
	At     time.Time // when the host produced the event
}

// NewHeader stamps an event for device at the current time.
func NewHeader(device string) Header {
	return Header{Device: device, At: time.Now()}
}

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	Meta() Header
	event()
}

func (h Header) Meta() Header { return h }
func (Header) event()         {}

type StateChanged struct {
	Header
	State state.DeviceState
}

func (StateChanged) Kind() Kind { return KindStateChanged }

// DeviceInfo is emitted once after all Device Information reads complete.
// Characteristics the device does not expose are empty.
type DeviceInfo struct {
	Header
	Manufacturer     string
	Model            string
	Serial           string
	HardwareRevision string
	FirmwareRevision string
	SoftwareRevision string
}

func (DeviceInfo) Kind() Kind { return KindDeviceInfo }

type BatteryInfo struct {
	Header
	Level uint8 // percent
}

func (BatteryInfo) Kind() Kind { return KindBatteryInfo }

type HeartRateSample struct {
	Header
	Sample codec.HeartRate
}

func (HeartRateSample) Kind() Kind { return KindHeartRate }

// BloodPressureSample carries a final measurement, or with Intermediate set
// a live cuff pressure reading taken while the cuff inflates.
type BloodPressureSample struct {
	Header
	Reading      codec.BloodPressure
	Intermediate bool
}

func (BloodPressureSample) Kind() Kind { return KindBloodPressure }

type AppConfigGetSuccess struct {
	Header
	AppID   uuid.UUID
	Entries []codec.AppConfigEntry
}

func (AppConfigGetSuccess) Kind() Kind { return KindAppConfigGetSuccess }

type AppConfigGetFailed struct {
	Header
	AppID  uuid.UUID
	Reason string
}

func (AppConfigGetFailed) Kind() Kind { return KindAppConfigGetFailed }

type AppConfigSetSuccess struct {
	Header
	AppID uuid.UUID
}

func (AppConfigSetSuccess) Kind() Kind { return KindAppConfigSetSuccess }

type AppConfigSetFailed struct {
	Header
	AppID  uuid.UUID
	Reason string
}

func (AppConfigSetFailed) Kind() Kind { return KindAppConfigSetFailed }

// TransactionFailed reports a transaction abandoned at operation Index.
type TransactionFailed struct {
	Header
	Transaction string // diagnostic name
	ID          string
	Index       int
	Op          string
	Err         error
}

func (TransactionFailed) Kind() Kind { return KindTransactionFailed }

// PermissionDenied reports a device request refused by the host policy.
type PermissionDenied struct {
	Header
	Request string // permission kind, e.g. "network"
	URL     string
}

func (PermissionDenied) Kind() Kind { return KindPermissionDenied }

// HTTPProxied reports a completed network fetch made on a device's behalf.
type HTTPProxied struct {
	Header
	RequestID uint32
	URL       string
	Status    int
	Bytes     int
}

func (HTTPProxied) Kind() Kind { return KindHTTPProxied }

// FinalDataAvailable is the last event of a connection.
type FinalDataAvailable struct {
	Header
}

func (FinalDataAvailable) Kind() Kind { return KindFinalDataAvailable }
