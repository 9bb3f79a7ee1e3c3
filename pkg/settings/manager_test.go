package settings

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwoglom/wearlink/pkg/codec"
	"github.com/jwoglom/wearlink/pkg/event"
)

const device = "AA:BB"

var app = uuid.MustParse("3af858c3-16cb-4561-91e7-f1ad2df8725f")

func newManager() *Manager {
	m := NewManager()
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestGetSuccessCaches(t *testing.T) {
	m := newManager()
	_, err := m.Get(device, app)
	assert.Error(t, err)

	m.Emit(event.AppConfigGetSuccess{
		Header:  event.NewHeader(device),
		AppID:   app,
		Entries: []codec.AppConfigEntry{codec.BoolEntry("a", true), codec.IntEntry("b", 42)},
	})

	s, err := m.Get(device, app)
	require.NoError(t, err)
	assert.Equal(t, SourceDevice, s.Source)
	assert.Equal(t, []codec.AppConfigEntry{codec.BoolEntry("a", true), codec.IntEntry("b", 42)}, s.Entries)

	s.Entries[0] = codec.BoolEntry("a", false)
	again, _ := m.Get(device, app)
	assert.True(t, again.Entries[0].Bool)
}

func TestSetAppliesStaged(t *testing.T) {
	m := newManager()
	m.Emit(event.AppConfigGetSuccess{
		Header:  event.NewHeader(device),
		AppID:   app,
		Entries: []codec.AppConfigEntry{codec.BoolEntry("a", true), codec.IntEntry("b", 42)},
	})

	m.Stage(device, app, []codec.AppConfigEntry{codec.IntEntry("b", 7), codec.StringEntry("c", "x")})
	m.Stage(device, app, []codec.AppConfigEntry{codec.BoolEntry("a", false)})

	m.Emit(event.AppConfigSetSuccess{Header: event.NewHeader(device), AppID: app})
	s, _ := m.Get(device, app)
	assert.Equal(t, SourceSet, s.Source)
	assert.Equal(t, []codec.AppConfigEntry{
		codec.BoolEntry("a", true),
		codec.IntEntry("b", 7),
		codec.StringEntry("c", "x"),
	}, s.Entries)

	m.Emit(event.AppConfigSetFailed{Header: event.NewHeader(device), AppID: app, Reason: "status 3"})
	s, _ = m.Get(device, app)
	assert.Equal(t, "set: status 3", s.LastError)
	assert.True(t, s.Entries[0].Bool)

	// nothing staged any more
	m.Emit(event.AppConfigSetSuccess{Header: event.NewHeader(device), AppID: app})
	s, _ = m.Get(device, app)
	assert.True(t, s.Entries[0].Bool)
}

func TestGetFailedKeepsValues(t *testing.T) {
	m := newManager()
	m.Emit(event.AppConfigGetSuccess{Header: event.NewHeader(device), AppID: app, Entries: []codec.AppConfigEntry{codec.IntEntry("b", 1)}})
	m.Emit(event.AppConfigGetFailed{Header: event.NewHeader(device), AppID: app, Reason: "timeout"})

	s, _ := m.Get(device, app)
	assert.Equal(t, "get: timeout", s.LastError)
	assert.Len(t, s.Entries, 1)
}

func TestGetAllResetForget(t *testing.T) {
	m := newManager()
	other := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	m.Emit(event.AppConfigGetSuccess{Header: event.NewHeader(device), AppID: app})
	m.Emit(event.AppConfigGetSuccess{Header: event.NewHeader(device), AppID: other})
	m.Emit(event.AppConfigGetSuccess{Header: event.NewHeader("CC:DD"), AppID: app})
	m.Emit(event.BatteryInfo{Header: event.NewHeader(device), Level: 3})

	all := m.GetAll(device)
	require.Len(t, all, 2)
	assert.Equal(t, other, all[0].AppID)
	assert.Equal(t, app, all[1].AppID)

	require.NoError(t, m.Reset(device, other))
	assert.Error(t, m.Reset(device, other))
	assert.Len(t, m.GetAll(device), 1)

	m.Forget(device)
	assert.Empty(t, m.GetAll(device))
	assert.Len(t, m.GetAll("CC:DD"), 1)
}

func TestSnapshotJSON(t *testing.T) {
	m := newManager()
	m.Emit(event.AppConfigGetSuccess{
		Header:  event.NewHeader(device),
		AppID:   app,
		Entries: []codec.AppConfigEntry{codec.StringEntry("d", "x"), codec.BoolEntry("a", true)},
	})
	s, _ := m.Get(device, app)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"device": "AA:BB",
		"app_id": "3af858c3-16cb-4561-91e7-f1ad2df8725f",
		"entries": [
			{"key": "d", "type": "string", "value": "x"},
			{"key": "a", "type": "boolean", "value": true}
		],
		"source": "device",
		"updated_at": "2024-05-01T12:00:00Z"
	}`, string(b))
}
