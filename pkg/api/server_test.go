package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwoglom/wearlink/pkg/codec"
	"github.com/jwoglom/wearlink/pkg/device"
	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/profile"
	"github.com/jwoglom/wearlink/pkg/settings"
)

const address = "AA:BB:CC:DD:EE:FF"

var (
	txChar = uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	rxChar = uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	appID  = uuid.MustParse("3af858c3-16cb-4561-91e7-f1ad2df8725f")
)

type fakeLink struct {
	mutex  sync.Mutex
	writes map[uuid.UUID]int
}

func (l *fakeLink) Write(ctx context.Context, char uuid.UUID, payload []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.writes[char]++
	return nil
}

func (l *fakeLink) Read(ctx context.Context, char uuid.UUID) ([]byte, error) { return nil, nil }

func (l *fakeLink) SetNotify(ctx context.Context, char uuid.UUID, enabled bool) error { return nil }

func (l *fakeLink) Close() error { return nil }

func (l *fakeLink) writesTo(char uuid.UUID) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.writes[char]
}

type fixture struct {
	link     *fakeLink
	settings *settings.Manager
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	link := &fakeLink{writes: make(map[uuid.UUID]int)}
	conn, err := device.New(address, link, device.Options{},
		profile.NewBattery,
		profile.AppConfigFactory(profile.AppConfigOptions{TxChar: txChar, RxChar: rxChar}),
	)
	require.NoError(t, err)

	table := device.NewTable()
	require.NoError(t, table.Add(conn))
	t.Cleanup(table.Close)

	manager := settings.NewManager()
	server := New(table, manager, prometheus.NewRegistry())
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	return &fixture{link: link, settings: manager, server: server, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states []DeviceState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, address, states[0].Address)
	assert.Equal(t, "connected", states[0].State)
}

func TestAppConfigREST(t *testing.T) {
	f := newFixture(t)
	path := "/api/devices/aa:bb:cc:dd:ee:ff/appconfig/" + appID.String()

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, "").StatusCode)

	f.settings.Emit(event.AppConfigGetSuccess{
		Header:  event.NewHeader(address),
		AppID:   appID,
		Entries: []codec.AppConfigEntry{codec.IntEntry("b", 42)},
	})

	resp := f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, appID.String(), got["app_id"])

	resp = f.do(t, http.MethodGet, "/api/devices/"+address+"/appconfig", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, path, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, "").StatusCode)
}

func TestAppConfigSetAndRefresh(t *testing.T) {
	f := newFixture(t)
	path := "/api/devices/" + address + "/appconfig/" + appID.String()

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPut, path, `{"a":true,"b":42}`).StatusCode)
	assert.Eventually(t, func() bool { return f.link.writesTo(txChar) > 0 }, time.Second, 5*time.Millisecond)

	before := f.link.writesTo(txChar)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, path+"/refresh", "").StatusCode)
	assert.Eventually(t, func() bool { return f.link.writesTo(txChar) > before }, time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, path, `[1,2]`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/devices/"+address+"/appconfig/nope", `{}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/devices/11:22/appconfig/"+appID.String()+"/refresh", "").StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "").StatusCode)
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestWebsocket(t *testing.T) {
	f := newFixture(t)
	ws := dial(t, f)

	initial := readJSON(t, ws)
	assert.Equal(t, "state", initial["type"])
	assert.Len(t, initial["devices"], 1)

	f.server.Emit(event.BatteryInfo{Header: event.NewHeader(address), Level: 80})
	ev := readJSON(t, ws)
	assert.Equal(t, string(event.KindBatteryInfo), ev["kind"])
	assert.Equal(t, address, ev["device"])

	require.NoError(t, ws.WriteJSON(map[string]string{"command": "appConfigGet", "device": address, "app": appID.String()}))
	ack := readJSON(t, ws)
	assert.Equal(t, "ack", ack["type"])
	assert.Eventually(t, func() bool { return f.link.writesTo(txChar) > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]string{"command": "write", "device": address, "characteristic": rxChar.String(), "data": "0102"}))
	assert.Equal(t, "ack", readJSON(t, ws)["type"])
	assert.Eventually(t, func() bool { return f.link.writesTo(rxChar) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]string{"command": "write", "device": address, "characteristic": rxChar.String(), "data": "zz"}))
	assert.Equal(t, "error", readJSON(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(map[string]string{"command": "dance"}))
	assert.Equal(t, "error", readJSON(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(map[string]string{"command": "getState"}))
	assert.Equal(t, "state", readJSON(t, ws)["type"])
}
