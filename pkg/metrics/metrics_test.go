package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/queue"
)

func TestDeviceObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())
	o := m.Device("AA")

	o.OperationDone(queue.OpWrite, nil, 3*time.Millisecond)
	o.OperationDone(queue.OpWrite, errors.New("boom"), time.Millisecond)
	o.TransactionDone("init", nil, 20*time.Millisecond)
	o.QueueDepth(4)
	o.EventEmitted(event.KindHeartRate)
	o.EventEmitted(event.KindHeartRate)
	o.EventDropped(event.KindHeartRate)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("AA", queue.OpWrite.String(), "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("AA", queue.OpWrite.String(), "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues("AA", "init", "ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("AA")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.emitted.WithLabelValues("AA", string(event.KindHeartRate))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("AA", string(event.KindHeartRate))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.opLatency))
}

func TestForget(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Device("AA").QueueDepth(1)
	m.Device("BB").QueueDepth(2)

	m.Forget("AA")
	assert.Equal(t, 1, testutil.CollectAndCount(m.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("BB")))
}

func TestObserverOnBus(t *testing.T) {
	m := New(prometheus.NewRegistry())
	bus := event.NewBus(m.Device("AA"))
	defer bus.Close()

	bus.Emit(event.BatteryInfo{Header: event.NewHeader("AA"), Level: 50})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emitted.WithLabelValues("AA", string(event.KindBatteryInfo))))
}
