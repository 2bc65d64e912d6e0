package transport

import (
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/realtalk/internal/observability"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type inbound struct {
	typ  int
	data []byte
}

type fakeConn struct {
	in        chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.typ, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
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

func TestMuxWritesInEnqueueOrder(t *testing.T) {
	conn := newFakeConn()
	m := NewMux(conn, nil, MuxOptions{})
	for _, f := range []string{"a", "b", "c"} {
		if err := m.Enqueue([]byte(f)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", f, err)
		}
	}
	m.Start()
	select {
	case <-m.Opened():
	case <-time.After(time.Second):
		t.Fatalf("Opened() not closed after Start")
	}

	waitFor(t, func() bool { return len(conn.frames()) == 3 })
	got := conn.frames()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("written = %v, want [a b c]", got)
	}
	_ = m.Close()
}

func TestMuxEnqueueRejectsWhenFull(t *testing.T) {
	m := NewMux(newFakeConn(), nil, MuxOptions{QueueSize: 2})
	if err := m.Enqueue([]byte("1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := m.Enqueue([]byte("2")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := m.Enqueue([]byte("3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() error = %v, want ErrQueueFull", err)
	}
}

func TestMuxReaderDecodesInOrderAndSkipsBadFrames(t *testing.T) {
	conn := newFakeConn()
	m := NewMux(conn, protocol.NewCodec(24000, 100*time.Millisecond), MuxOptions{})
	m.Start()

	conn.in <- inbound{typ: websocket.TextMessage, data: []byte(`{"type":"response.audio.delta","delta":"AQID"}`)}
	conn.in <- inbound{typ: websocket.BinaryMessage, data: []byte{9, 9, 9}}
	conn.in <- inbound{typ: websocket.TextMessage, data: []byte(`{broken`)}
	conn.in <- inbound{typ: websocket.TextMessage, data: []byte(`{"type":"response.audio.done"}`)}
	close(conn.in)

	var got []protocol.Event
	for evt := range m.Events() {
		got = append(got, evt)
	}
	if len(got) != 3 {
		t.Fatalf("len(events) = %d, want 3: %v", len(got), got)
	}
	if a, ok := got[0].(protocol.Audio); !ok || len(a.Data) != 3 {
		t.Fatalf("events[0] = %v, want Audio(3 bytes)", got[0])
	}
	if _, ok := got[1].(protocol.AudioDone); !ok {
		t.Fatalf("events[1] = %T, want AudioDone", got[1])
	}
	if a, ok := got[2].(protocol.Audio); !ok || len(a.Data) != 4800 {
		t.Fatalf("events[2] = %v, want Audio(4800 bytes)", got[2])
	}

	<-m.Done()
	if !errors.Is(m.Err(), ErrConnectionClosed) {
		t.Fatalf("Err() = %v, want ErrConnectionClosed", m.Err())
	}
	if err := m.Enqueue([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue() after close error = %v, want ErrClosed", err)
	}
}

func TestMuxWriteFailureIsTerminal(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	m := NewMux(conn, nil, MuxOptions{})
	m.Start()

	if err := m.Enqueue([]byte("x")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("mux did not fail after write error")
	}

	var se *SendError
	if !errors.As(m.Err(), &se) {
		t.Fatalf("Err() = %v, want *SendError", m.Err())
	}
	select {
	case <-conn.closed:
	default:
		t.Fatalf("connection not closed after write failure")
	}
	if err := m.Enqueue([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue() error = %v, want ErrClosed", err)
	}
	for range m.Events() {
	}
}

func TestMuxCloseEndsEvents(t *testing.T) {
	conn := newFakeConn()
	m := NewMux(conn, nil, MuxOptions{})
	m.Start()
	_ = m.Close()

	select {
	case _, ok := <-m.Events():
		if ok {
			t.Fatalf("unexpected event after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after Close")
	}
	if !errors.Is(m.Err(), ErrClosed) {
		t.Fatalf("Err() = %v, want ErrClosed", m.Err())
	}
}

func TestMuxEnqueueNeverQueuesAfterFailure(t *testing.T) {
	m := NewMux(newFakeConn(), nil, MuxOptions{QueueSize: 4096})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				if err := m.Enqueue([]byte("f")); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	close(start)
	_ = m.Close()
	queuedAtClose := len(m.out)
	wg.Wait()

	// No writer is running, so every accepted frame is still queued and none
	// may have been added once Close returned.
	if len(m.out) != accepted {
		t.Fatalf("queued %d frames, %d Enqueue calls succeeded", len(m.out), accepted)
	}
	if len(m.out) != queuedAtClose {
		t.Fatalf("queue grew from %d to %d after Close", queuedAtClose, len(m.out))
	}
	if err := m.Enqueue([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue() after Close error = %v, want ErrClosed", err)
	}
}

func TestMuxLabelsUnknownEventsAsUnhandled(t *testing.T) {
	reg := prometheus.NewRegistry()
	conn := newFakeConn()
	m := NewMux(conn, nil, MuxOptions{Metrics: observability.NewMetrics("rt", reg)})
	m.Start()

	conn.in <- inbound{typ: websocket.TextMessage, data: []byte(`{"type":"rate_limits.updated"}`)}
	conn.in <- inbound{typ: websocket.TextMessage, data: []byte(`{"type":"x-` + strings.Repeat("z", 40) + `"}`)}
	conn.in <- inbound{typ: websocket.TextMessage, data: []byte(`{"type":"response.audio.delta","delta":"AQID"}`)}
	close(conn.in)
	for range m.Events() {
	}

	rec := httptest.NewRecorder()
	observability.MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()
	for _, want := range []string{
		`rt_ws_messages_total{direction="in",type="unhandled"} 2`,
		`rt_ws_messages_total{direction="in",type="response.audio.delta"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "rate_limits.updated") {
		t.Fatalf("peer-supplied type leaked into labels:\n%s", out)
	}
}
