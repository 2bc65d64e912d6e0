package audio

// Sink consumes mono float32 samples for playback or recording.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// Discard drops everything written to it.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write([]float32) error { return nil }
func (discard) Close() error          { return nil }

// Multi fans every write out to all sinks. The first error is returned after
// all sinks have been written.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Write(samples []float32) error {
	var first error
	for _, s := range m {
		if err := s.Write(samples); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
