package state

// DeviceState is the lifecycle state of one device connection.
type DeviceState int

const (
	NotConnected DeviceState = iota
	Connecting
	Connected
	Initializing
	Initialized
	Disconnected
)

func (s DeviceState) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON events and API responses.
func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Ready reports whether the connection has finished initializing and
// accepts application traffic.
func (s DeviceState) Ready() bool {
	return s == Initialized
}
