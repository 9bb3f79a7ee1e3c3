package settings

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/wearlink/pkg/codec"
	"github.com/jwoglom/wearlink/pkg/event"
)

// Source tells where the cached values came from
type Source string

const (
	// SourceDevice values were read back from the device
	SourceDevice Source = "device"

	// SourceSet values were written by us and acknowledged by the device
	SourceSet Source = "set"
)

// Snapshot is the last known configuration of one watch application
type Snapshot struct {
	Device  string
	AppID   uuid.UUID
	Entries []codec.AppConfigEntry
	Source  Source

	// UpdatedAt is zero until the first successful get or set
	UpdatedAt time.Time

	// LastError is the reason of the latest failed get or set, cleared by
	// the next success
	LastError string
}

type key struct {
	device string
	app    uuid.UUID
}

type record struct {
	snapshot Snapshot
	staged   [][]codec.AppConfigEntry
}

// Manager caches AppConfig values per device and application. It is an
// event.Sink; attach it to every connection's bus.
type Manager struct {
	records map[key]*record
	mutex   sync.RWMutex
	now     func() time.Time
}

var _ event.Sink = (*Manager)(nil)

// NewManager creates a new settings manager
func NewManager() *Manager {
	return &Manager{
		records: make(map[key]*record),
		now:     time.Now,
	}
}

func (m *Manager) record(device string, app uuid.UUID) *record {
	k := key{device, app}
	r, ok := m.records[k]
	if !ok {
		r = &record{snapshot: Snapshot{Device: device, AppID: app}}
		m.records[k] = r
	}
	return r
}

// Stage remembers entries about to be written, so an acknowledged set can
// be applied to the cache. Sets for one app are acknowledged in order.
func (m *Manager) Stage(device string, app uuid.UUID, entries []codec.AppConfigEntry) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r := m.record(device, app)
	r.staged = append(r.staged, append([]codec.AppConfigEntry(nil), entries...))
}

// Emit updates the cache from AppConfig events and ignores the rest
func (m *Manager) Emit(e event.Event) {
	device := e.Meta().Device

	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch ev := e.(type) {
	case event.AppConfigGetSuccess:
		r := m.record(device, ev.AppID)
		r.snapshot.Entries = append([]codec.AppConfigEntry(nil), ev.Entries...)
		r.snapshot.Source = SourceDevice
		r.snapshot.UpdatedAt = m.now()
		r.snapshot.LastError = ""
		log.Debugf("Cached %d settings for %s/%s", len(ev.Entries), device, ev.AppID)

	case event.AppConfigGetFailed:
		m.record(device, ev.AppID).snapshot.LastError = "get: " + ev.Reason

	case event.AppConfigSetSuccess:
		r := m.record(device, ev.AppID)
		if len(r.staged) == 0 {
			log.Debugf("Set acknowledged for %s/%s with nothing staged", device, ev.AppID)
			return
		}
		r.snapshot.Entries = merge(r.snapshot.Entries, r.staged[0])
		r.staged = r.staged[1:]
		r.snapshot.Source = SourceSet
		r.snapshot.UpdatedAt = m.now()
		r.snapshot.LastError = ""

	case event.AppConfigSetFailed:
		r := m.record(device, ev.AppID)
		if len(r.staged) > 0 {
			r.staged = r.staged[1:]
		}
		r.snapshot.LastError = "set: " + ev.Reason
	}
}

// merge overwrites existing keys in place and appends new ones
func merge(current, update []codec.AppConfigEntry) []codec.AppConfigEntry {
	out := append([]codec.AppConfigEntry(nil), current...)
	index := make(map[string]int, len(out))
	for i, e := range out {
		index[e.Key] = i
	}
	for _, e := range update {
		if i, ok := index[e.Key]; ok {
			out[i] = e
			continue
		}
		index[e.Key] = len(out)
		out = append(out, e)
	}
	return out
}

// Get retrieves the cached configuration of one app
func (m *Manager) Get(device string, app uuid.UUID) (*Snapshot, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	r, exists := m.records[key{device, app}]
	if !exists {
		return nil, fmt.Errorf("no settings cached for %s/%s", device, app)
	}

	// Return a copy to prevent external modification
	s := r.snapshot
	s.Entries = append([]codec.AppConfigEntry(nil), s.Entries...)
	return &s, nil
}

// GetAll returns every app cached for a device, ordered by app id
func (m *Manager) GetAll(device string) []Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := []Snapshot{}
	for k, r := range m.records {
		if k.device != device {
			continue
		}
		s := r.snapshot
		s.Entries = append([]codec.AppConfigEntry(nil), s.Entries...)
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AppID.String() < result[j].AppID.String()
	})
	return result
}

// Reset drops the cached configuration of one app
func (m *Manager) Reset(device string, app uuid.UUID) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	k := key{device, app}
	if _, exists := m.records[k]; !exists {
		return fmt.Errorf("no settings cached for %s/%s", device, app)
	}
	delete(m.records, k)

	log.Infof("Reset settings for %s/%s", device, app)
	return nil
}

// Forget drops everything cached for a device
func (m *Manager) Forget(device string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for k := range m.records {
		if k.device == device {
			delete(m.records, k)
		}
	}
}

type jsonEntry struct {
	Key   string      `json:"key"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// MarshalJSON implements custom JSON marshaling to keep entry order and
// kinds, and to handle time formatting
func (s Snapshot) MarshalJSON() ([]byte, error) {
	entries := make([]jsonEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		entries = append(entries, jsonEntry{Key: e.Key, Type: e.Kind.String(), Value: e.Value()})
	}

	updated := ""
	if !s.UpdatedAt.IsZero() {
		updated = s.UpdatedAt.Format(time.RFC3339)
	}

	return json.Marshal(&struct {
		Device    string      `json:"device"`
		AppID     string      `json:"app_id"`
		Entries   []jsonEntry `json:"entries"`
		Source    Source      `json:"source,omitempty"`
		UpdatedAt string      `json:"updated_at,omitempty"`
		LastError string      `json:"last_error,omitempty"`
	}{
		Device:    s.Device,
		AppID:     s.AppID.String(),
		Entries:   entries,
		Source:    s.Source,
		UpdatedAt: updated,
		LastError: s.LastError,
	})
}
