package event

// Sink receives events. Emit must not block on the connection that produced
// the event.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Multi fans each event out to sinks in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// ValidOnly wraps a persistence sink so that heart-rate samples failing
// codec.HeartRate.Valid never reach it. Other events pass through.
func ValidOnly(s Sink) Sink {
	return SinkFunc(func(e Event) {
		if hr, ok := e.(HeartRateSample); ok && !hr.Sample.Valid() {
			return
		}
		s.Emit(e)
	})
}
