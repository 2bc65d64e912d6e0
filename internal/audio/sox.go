package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
)

var ErrSinkClosed = errors.New("sink closed")

// SoxSink plays samples on the default output device through a sox
// subprocess reading raw 32-bit float mono on stdin. One sink is one output
// stream; give each speaker its own and let the OS mix them.
type SoxSink struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	closed bool
	buf    []byte
}

// NewSoxSink starts sox. The process ends when ctx is cancelled or the sink is
// closed.
func NewSoxSink(ctx context.Context, binary string, sampleRate int) (*SoxSink, error) {
	if binary == "" {
		binary = "sox"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	cmd := exec.CommandContext(ctx, binary,
		"-q",
		"-t", "raw",
		"-r", strconv.Itoa(sampleRate),
		"-b", "32",
		"-c", "1",
		"-e", "floating-point",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sox: %w", err)
	}
	return &SoxSink{cmd: cmd, stdin: stdin}, nil
}

func (s *SoxSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.buf = encodeFloat32LE(s.buf[:0], samples)
	if _, err := s.stdin.Write(s.buf); err != nil {
		return fmt.Errorf("sox write: %w", err)
	}
	return nil
}

// Close ends input and waits for sox to drain.
func (s *SoxSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stdin.Close()
	return s.cmd.Wait()
}

func encodeFloat32LE(dst []byte, samples []float32) []byte {
	for _, f := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}
