package audio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

// WAVSink records samples as a PCM16LE mono WAV stream. Sizes in the header
// are patched on Close, so the destination must be seekable.
type WAVSink struct {
	mu         sync.Mutex
	out        io.WriteSeeker
	closer     io.Closer
	w          *bufio.Writer
	sampleRate int
	dataSize   uint32
	closed     bool
}

// CreateWAV creates (or truncates) path and records into it.
func CreateWAV(path string, sampleRate int) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	sink, err := NewWAVSink(f, sampleRate)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	sink.closer = f
	return sink, nil
}

// NewWAVSink writes a provisional header to out.
func NewWAVSink(out io.WriteSeeker, sampleRate int) (*WAVSink, error) {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	s := &WAVSink{out: out, w: bufio.NewWriter(out), sampleRate: sampleRate}
	if err := writeWAVHeader(s.w, sampleRate, 0); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return s, nil
}

func (s *WAVSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	pcm := Float32ToPCM16(samples)
	if _, err := s.w.Write(pcm); err != nil {
		return err
	}
	s.dataSize += uint32(len(pcm))
	return nil
}

// Close flushes samples, rewrites the header with the final sizes, and closes
// the file when the sink owns it.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.finalize()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *WAVSink) finalize() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if _, err := s.out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w := bufio.NewWriter(s.out)
	if err := writeWAVHeader(w, s.sampleRate, s.dataSize); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := s.out.Seek(0, io.SeekEnd)
	return err
}

func writeWAVHeader(w io.Writer, sampleRate int, dataSize uint32) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(wavHeaderSize-8) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// ReadWAV extracts 16-bit PCM from a RIFF/WAVE image. Multi-channel input is
// downmixed to mono by averaging; a missing sample rate falls back to 24 kHz.
func ReadWAV(data []byte) (pcm []byte, sampleRate int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt  bool
		format   uint16
		channels uint16
		bits     uint16
		body     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("wav chunk %q overruns file", id)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("wav fmt chunk too short")
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			body = chunk
		}
		// chunks are word aligned
		off += size + size%2
	}

	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(body) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case format != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", format)
	case bits != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits per sample %d", bits)
	case channels == 0:
		return nil, 0, fmt.Errorf("wav has no channels")
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}

	frame := int(channels) * 2
	frames := len(body) / frame
	pcm = make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			at := i*frame + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(body[at : at+2])))
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sum/int(channels))))
	}
	return pcm, sampleRate, nil
}
