package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/profile"
	"github.com/jwoglom/wearlink/pkg/queue"
	"github.com/jwoglom/wearlink/pkg/state"
)

type fakeLink struct {
	mutex    sync.Mutex
	ops      []string
	values   map[uuid.UUID][]byte
	missing  map[uuid.UUID]bool
	failChar uuid.UUID
	closed   int
}

func newFakeLink() *fakeLink {
	return &fakeLink{values: map[uuid.UUID][]byte{
		profile.CharManufacturerName: []byte("Acme"),
		profile.CharModelNumber:      []byte("Cuff 2"),
		profile.CharBatteryLevel:     {64},
	}}
}

func (l *fakeLink) log(op string, char uuid.UUID) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.ops = append(l.ops, op+" "+char.String()[4:8])
	if char == l.failChar {
		return errors.New("att error")
	}
	return nil
}

func (l *fakeLink) Write(ctx context.Context, char uuid.UUID, payload []byte) error {
	return l.log("write", char)
}

func (l *fakeLink) Read(ctx context.Context, char uuid.UUID) ([]byte, error) {
	if err := l.log("read", char); err != nil {
		return nil, err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.values[char], nil
}

func (l *fakeLink) SetNotify(ctx context.Context, char uuid.UUID, enabled bool) error {
	return l.log("notify", char)
}

func (l *fakeLink) HasCharacteristic(char uuid.UUID) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return !l.missing[char]
}

func (l *fakeLink) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) snapshot() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.ops...)
}

func collect(ch <-chan event.Event) []event.Event {
	var out []event.Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func countKind(events []event.Event, k event.Kind) int {
	n := 0
	for _, e := range events {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

func newTestConnection(t *testing.T, link *fakeLink, factories ...profile.Factory) *Connection {
	t.Helper()
	if factories == nil {
		factories = []profile.Factory{profile.NewDeviceInfo, profile.NewBattery, profile.NewBloodPressure}
	}
	c, err := New("AA:BB", link, Options{}, factories...)
	require.NoError(t, err)
	return c
}

func TestNewRejectsDuplicateProfiles(t *testing.T) {
	_, err := New("AA:BB", newFakeLink(), Options{}, profile.NewHeartRate, profile.NewHeartRate)
	var cfgErr *profile.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestInitialize(t *testing.T) {
	link := newFakeLink()
	link.missing = map[uuid.UUID]bool{
		profile.CharSerialNumber:     true,
		profile.CharHardwareRevision: true,
		profile.CharFirmwareRevision: true,
		profile.CharSoftwareRevision: true,
	}
	c := newTestConnection(t, link)
	events, _ := c.Events().Subscribe(32)

	require.NoError(t, c.Initialize().Wait(context.Background()))
	assert.Equal(t, state.Initialized, c.State())

	assert.Equal(t, []string{
		"notify 2a19",
		"notify 2a35",
		"notify 2a36",
		"read 2a29",
		"read 2a24",
		"read 2a19",
	}, link.snapshot())

	c.Dispose()
	all := collect(events)

	var states []state.DeviceState
	for _, e := range all {
		if sc, ok := e.(event.StateChanged); ok {
			states = append(states, sc.State)
		}
	}
	assert.Equal(t, []state.DeviceState{state.Initializing, state.Initialized, state.Disconnected}, states)

	require.Equal(t, 1, countKind(all, event.KindDeviceInfo))
	for _, e := range all {
		switch ev := e.(type) {
		case event.DeviceInfo:
			assert.Equal(t, "Acme", ev.Manufacturer)
			assert.Equal(t, "Cuff 2", ev.Model)
		case event.BatteryInfo:
			assert.Equal(t, uint8(64), ev.Level)
		}
	}
	assert.Equal(t, 1, countKind(all, event.KindFinalDataAvailable))
}

func TestTransactionFailureEmitsEvent(t *testing.T) {
	link := newFakeLink()
	link.failChar = profile.CharBloodPressure
	c := newTestConnection(t, link)
	events, _ := c.Events().Subscribe(32)

	err := c.Initialize().Wait(context.Background())
	var linkErr *queue.LinkOperationError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, state.Initializing, c.State())

	c.Dispose()
	all := collect(events)
	require.Equal(t, 1, countKind(all, event.KindTransactionFailed))
	for _, e := range all {
		if tf, ok := e.(event.TransactionFailed); ok {
			assert.Equal(t, "initialize", tf.Transaction)
			assert.Equal(t, 2, tf.Index)
		}
	}
}

func TestHandleNotification(t *testing.T) {
	c := newTestConnection(t, newFakeLink(), profile.NewHeartRate)
	events, _ := c.Events().Subscribe(4)

	assert.True(t, c.HandleNotification(profile.CharHeartRate, []byte{0x00, 88}))
	assert.False(t, c.HandleNotification(profile.CharBatteryLevel, []byte{1}))

	e := <-events
	assert.Equal(t, 88, e.(event.HeartRateSample).Sample.BeatsPerMinute)

	c.Dispose()
	assert.False(t, c.HandleNotification(profile.CharHeartRate, []byte{0x00, 88}))
}

func TestTeardownEmitsFinalOnce(t *testing.T) {
	orders := map[string]func(c *Connection){
		"disconnect then dispose": func(c *Connection) { c.Disconnect(); c.Dispose() },
		"dispose then disconnect": func(c *Connection) { c.Dispose(); c.Disconnect() },
		"repeated":                func(c *Connection) { c.Disconnect(); c.Disconnect(); c.Dispose(); c.Dispose() },
		"racing": func(c *Connection) {
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(2)
				go func() { defer wg.Done(); c.Disconnect() }()
				go func() { defer wg.Done(); c.Dispose() }()
			}
			wg.Wait()
		},
	}
	for name, teardown := range orders {
		t.Run(name, func(t *testing.T) {
			link := newFakeLink()
			c := newTestConnection(t, link)
			events, _ := c.Events().Subscribe(64)

			teardown(c)
			c.Dispose()

			all := collect(events)
			assert.Equal(t, 1, countKind(all, event.KindFinalDataAvailable))
			assert.Equal(t, 1, link.closed)
			assert.Equal(t, state.Disconnected, c.State())
		})
	}
}

func TestDisposeFailsQueuedWork(t *testing.T) {
	c := newTestConnection(t, newFakeLink())
	c.Dispose()
	err := c.Submit(queue.Begin("late").Read(profile.CharBatteryLevel, nil)).Wait(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestAppConfigAccessor(t *testing.T) {
	opts := profile.AppConfigOptions{TxChar: uuid.New(), RxChar: uuid.New(), ResponseTimeout: time.Minute}
	c := newTestConnection(t, newFakeLink(), profile.AppConfigFactory(opts))
	defer c.Dispose()

	ac, ok := c.AppConfig()
	require.True(t, ok)

	res := ac.RequestGet(uuid.New())
	require.NoError(t, res.Wait(context.Background()))

	_, ok = c.Battery()
	assert.False(t, ok)
}

func TestTable(t *testing.T) {
	table := NewTable()
	a := newTestConnection(t, newFakeLink())
	b, err := New("00:11", newFakeLink(), Options{})
	require.NoError(t, err)

	require.NoError(t, table.Add(a))
	require.NoError(t, table.Add(b))
	assert.Error(t, table.Add(a))

	list := table.List()
	require.Len(t, list, 2)
	assert.Equal(t, "00:11", list[0].Address())

	got, ok := table.Get("AA:BB")
	require.True(t, ok)
	assert.Same(t, a, got)

	removed, ok := table.Remove("00:11")
	require.True(t, ok)
	assert.Same(t, b, removed)
	b.Dispose()

	table.Close()
	_, ok = table.Get("AA:BB")
	assert.False(t, ok)
	assert.Equal(t, state.Disconnected, a.State())
}
