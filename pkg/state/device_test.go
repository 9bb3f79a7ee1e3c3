package state

import (
	"encoding/json"
	"testing"
)

func TestDeviceStateString(t *testing.T) {
	tests := map[DeviceState]string{
		NotConnected:    "not_connected",
		Connecting:      "connecting",
		Connected:       "connected",
		Initializing:    "initializing",
		Initialized:     "initialized",
		Disconnected:    "disconnected",
		DeviceState(99): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("DeviceState(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestDeviceStateJSON(t *testing.T) {
	b, err := json.Marshal(map[string]DeviceState{"state": Initialized})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"state":"initialized"}` {
		t.Errorf("got %s", b)
	}
	if !Initialized.Ready() || Connected.Ready() {
		t.Errorf("Ready() wrong")
	}
}
