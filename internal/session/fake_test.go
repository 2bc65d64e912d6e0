package session

import (
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/transport"
)

type fakeTransport struct {
	events    chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	frames     [][]byte
	err        error
	enqueueErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan protocol.Event, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) Enqueue(frame []byte) error {
	select {
	case <-f.done:
		return transport.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Events() <-chan protocol.Event { return f.events }
func (f *fakeTransport) Done() <-chan struct{}         { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// fail ends the inbound stream with cause, as the multiplexer does.
func (f *fakeTransport) fail(cause error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.err = cause
		f.mu.Unlock()
		close(f.done)
		close(f.events)
	})
}

func (f *fakeTransport) Close() error {
	f.fail(transport.ErrClosed)
	return nil
}

func (f *fakeTransport) sent(t *testing.T) []protocol.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Command, 0, len(f.frames))
	for _, frame := range f.frames {
		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			t.Fatalf("DecodeCommand() error = %v", err)
		}
		out = append(out, cmd)
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
