package profile

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/wearlink/pkg/codec"
	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/queue"
)

// DeviceInfo reads the Device Information Service strings.
type DeviceInfo struct {
	env Env
}

func NewDeviceInfo(env Env) Profile { return &DeviceInfo{env: env} }

func (p *DeviceInfo) Kind() Kind { return KindDeviceInfo }

func (p *DeviceInfo) Characteristics() []uuid.UUID {
	return []uuid.UUID{
		CharManufacturerName, CharModelNumber, CharSerialNumber,
		CharHardwareRevision, CharFirmwareRevision, CharSoftwareRevision,
	}
}

// Handle consumes nothing; the strings are only ever read.
func (p *DeviceInfo) Handle(char uuid.UUID, payload []byte) bool { return false }

func (p *DeviceInfo) EnableNotifications(tx *queue.Transaction, enabled bool) {}

// ReadOperations returns one read per characteristic for which available
// returns true (all of them when available is nil). A single DeviceInfo
// event is emitted when the last read completes.
func (p *DeviceInfo) ReadOperations(available func(uuid.UUID) bool) []queue.Operation {
	var chars []uuid.UUID
	for _, c := range p.Characteristics() {
		if available == nil || available(c) {
			chars = append(chars, c)
		}
	}
	if len(chars) == 0 {
		return nil
	}

	var (
		mutex  sync.Mutex
		info   event.DeviceInfo
		remain = len(chars)
	)
	ops := make([]queue.Operation, 0, len(chars))
	for _, c := range chars {
		c := c
		ops = append(ops, queue.ReadOp(c, func(value []byte) {
			mutex.Lock()
			s := codec.DecodeString(value)
			switch c {
			case CharManufacturerName:
				info.Manufacturer = s
			case CharModelNumber:
				info.Model = s
			case CharSerialNumber:
				info.Serial = s
			case CharHardwareRevision:
				info.HardwareRevision = s
			case CharFirmwareRevision:
				info.FirmwareRevision = s
			case CharSoftwareRevision:
				info.SoftwareRevision = s
			}
			remain--
			done := remain == 0
			ev := info
			mutex.Unlock()

			if done {
				ev.Header = p.env.header()
				log.Debugf("Device info for %s: %s %s serial=%s fw=%s",
					p.env.Device, ev.Manufacturer, ev.Model, ev.Serial, ev.FirmwareRevision)
				p.env.emit(ev)
			}
		}))
	}
	return ops
}

// Battery reports the Battery Level characteristic.
type Battery struct {
	env Env
}

func NewBattery(env Env) Profile { return &Battery{env: env} }

func (p *Battery) Kind() Kind { return KindBattery }

func (p *Battery) Characteristics() []uuid.UUID { return []uuid.UUID{CharBatteryLevel} }

func (p *Battery) Handle(char uuid.UUID, payload []byte) bool {
	if char != CharBatteryLevel {
		return false
	}
	p.handleLevel(payload)
	return true
}

func (p *Battery) handleLevel(payload []byte) {
	level, err := codec.DecodeBatteryLevel(payload)
	if err != nil {
		log.Warnf("Dropping battery level from %s: %v", p.env.Device, err)
		return
	}
	p.env.emit(event.BatteryInfo{Header: p.env.header(), Level: level})
}

func (p *Battery) EnableNotifications(tx *queue.Transaction, enabled bool) {
	tx.EnableNotify(CharBatteryLevel, enabled)
}

// ReadOperation reads the current level and emits BatteryInfo.
func (p *Battery) ReadOperation() queue.Operation {
	return queue.ReadOp(CharBatteryLevel, p.handleLevel)
}

// HeartRate decodes Heart Rate Measurement notifications.
type HeartRate struct {
	env Env
}

func NewHeartRate(env Env) Profile { return &HeartRate{env: env} }

func (p *HeartRate) Kind() Kind { return KindHeartRate }

func (p *HeartRate) Characteristics() []uuid.UUID { return []uuid.UUID{CharHeartRate} }

func (p *HeartRate) Handle(char uuid.UUID, payload []byte) bool {
	if char != CharHeartRate {
		return false
	}
	rec, err := codec.DecodeHeartRate(payload, p.env.now())
	if err != nil {
		log.Warnf("Dropping heart rate sample from %s: %v", p.env.Device, err)
		return true
	}
	p.env.emit(event.HeartRateSample{Header: p.env.header(), Sample: rec})
	return true
}

func (p *HeartRate) EnableNotifications(tx *queue.Transaction, enabled bool) {
	tx.EnableNotify(CharHeartRate, enabled)
}

// BloodPressure decodes measurement indications and intermediate cuff
// pressure notifications.
type BloodPressure struct {
	env Env
}

func NewBloodPressure(env Env) Profile { return &BloodPressure{env: env} }

func (p *BloodPressure) Kind() Kind { return KindBloodPressure }

func (p *BloodPressure) Characteristics() []uuid.UUID {
	return []uuid.UUID{CharBloodPressure, CharIntermediateCuff}
}

func (p *BloodPressure) Handle(char uuid.UUID, payload []byte) bool {
	if char != CharBloodPressure && char != CharIntermediateCuff {
		return false
	}
	rec, err := codec.DecodeBloodPressure(payload, p.env.now())
	if err != nil {
		log.Warnf("Dropping blood pressure record from %s: %v", p.env.Device, err)
		return true
	}
	p.env.emit(event.BloodPressureSample{
		Header:       p.env.header(),
		Reading:      rec,
		Intermediate: char == CharIntermediateCuff,
	})
	return true
}

func (p *BloodPressure) EnableNotifications(tx *queue.Transaction, enabled bool) {
	tx.EnableNotify(CharBloodPressure, enabled)
	tx.EnableNotify(CharIntermediateCuff, enabled)
}
