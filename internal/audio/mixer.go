package audio

import (
	"sync"
	"time"
)

// Mixer sums several tracks into one sink the way an output device mixes
// independent streams. Each track plays back from its own cursor; a track that
// runs dry resumes at the wall-clock position, so overlapping speech overlaps
// and pauses stay pauses. Samples before the wall-clock position are final and
// are flushed to the sink as they settle.
type Mixer struct {
	// Now is the clock; nil means time.Now. Set it before the first write.
	Now func() time.Time

	mu         sync.Mutex
	out        Sink
	sampleRate int
	start      time.Time
	base       int64 // timeline position of pending[0]
	pending    []float32
	closed     bool
}

func NewMixer(out Sink, sampleRate int) *Mixer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Mixer{out: out, sampleRate: sampleRate}
}

// Track returns a new input. Closing a track is a no-op; close the mixer once
// every track is done.
func (m *Mixer) Track() Sink {
	return &track{m: m}
}

type track struct {
	m      *Mixer
	cursor int64 // guarded by m.mu
}

func (t *track) Write(samples []float32) error { return t.m.mix(t, samples) }
func (t *track) Close() error                  { return nil }

func (m *Mixer) mix(t *track, samples []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	now := m.clock()
	pos := max(t.cursor, now, m.base)
	end := pos + int64(len(samples))
	if grow := end - m.base - int64(len(m.pending)); grow > 0 {
		m.pending = append(m.pending, make([]float32, grow)...)
	}
	off := pos - m.base
	for i, v := range samples {
		m.pending[off+int64(i)] += v
	}
	t.cursor = end
	return m.flush(min(now, m.base+int64(len(m.pending))))
}

func (m *Mixer) clock() int64 {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	if m.start.IsZero() {
		m.start = now()
	}
	return int64(now().Sub(m.start).Seconds() * float64(m.sampleRate))
}

// flush hands every settled sample before upto to the sink.
func (m *Mixer) flush(upto int64) error {
	n := upto - m.base
	if n <= 0 {
		return nil
	}
	settled := m.pending[:n]
	for i, v := range settled {
		settled[i] = max(-1, min(1, v))
	}
	err := m.out.Write(settled)
	m.pending = append(m.pending[:0], m.pending[n:]...)
	m.base = upto
	return err
}

// Close flushes everything still pending and closes the sink.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.flush(m.base + int64(len(m.pending)))
	if cerr := m.out.Close(); err == nil {
		err = cerr
	}
	return err
}
