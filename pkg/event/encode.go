package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type wireEvent struct {
	Kind   Kind        `json:"kind"`
	Device string      `json:"device"`
	At     time.Time   `json:"at"`
	Data   interface{} `json:"data,omitempty"`
}

type wireEntry struct {
	Key   string      `json:"key"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// Encode renders e as the JSON object sent to API clients:
// {"kind":...,"device":...,"at":...,"data":{...}}.
func Encode(e Event) ([]byte, error) {
	h := e.Meta()
	w := wireEvent{Kind: e.Kind(), Device: h.Device, At: h.At}

	switch ev := e.(type) {
	case StateChanged:
		w.Data = map[string]interface{}{"state": ev.State}
	case DeviceInfo:
		w.Data = map[string]interface{}{
			"manufacturer":      ev.Manufacturer,
			"model":             ev.Model,
			"serial":            ev.Serial,
			"hardware_revision": ev.HardwareRevision,
			"firmware_revision": ev.FirmwareRevision,
			"software_revision": ev.SoftwareRevision,
		}
	case BatteryInfo:
		w.Data = map[string]interface{}{"level": ev.Level}
	case HeartRateSample:
		s := ev.Sample
		w.Data = map[string]interface{}{
			"timestamp":       s.Timestamp,
			"bpm":             s.BeatsPerMinute,
			"sensor_contact":  s.SensorContact.String(),
			"energy_expended": s.EnergyExpended,
			"rr_intervals":    s.RRIntervals,
			"valid":           s.Valid(),
		}
	case BloodPressureSample:
		r := ev.Reading
		w.Data = map[string]interface{}{
			"timestamp":          r.Timestamp,
			"systolic":           r.Systolic,
			"diastolic":          r.Diastolic,
			"mean_arterial":      r.MeanArterialPressure,
			"pulse_rate":         r.PulseRate,
			"user_id":            r.UserID,
			"measurement_status": r.MeasurementStatus,
			"intermediate":       ev.Intermediate,
		}
	case AppConfigGetSuccess:
		entries := make([]wireEntry, 0, len(ev.Entries))
		for _, en := range ev.Entries {
			entries = append(entries, wireEntry{Key: en.Key, Type: en.Kind.String(), Value: en.Value()})
		}
		w.Data = map[string]interface{}{"app_id": ev.AppID, "entries": entries}
	case AppConfigGetFailed:
		w.Data = map[string]interface{}{"app_id": ev.AppID, "reason": ev.Reason}
	case AppConfigSetSuccess:
		w.Data = map[string]interface{}{"app_id": ev.AppID}
	case AppConfigSetFailed:
		w.Data = map[string]interface{}{"app_id": ev.AppID, "reason": ev.Reason}
	case TransactionFailed:
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		w.Data = map[string]interface{}{
			"transaction": ev.Transaction,
			"id":          ev.ID,
			"index":       ev.Index,
			"op":          ev.Op,
			"error":       errText,
		}
	case PermissionDenied:
		w.Data = map[string]interface{}{"request": ev.Request, "url": ev.URL}
	case HTTPProxied:
		w.Data = map[string]interface{}{
			"request_id": ev.RequestID,
			"url":        ev.URL,
			"status":     ev.Status,
			"bytes":      ev.Bytes,
		}
	case FinalDataAvailable:
	default:
		return nil, fmt.Errorf("event: cannot encode %T", e)
	}
	return json.Marshal(w)
}
