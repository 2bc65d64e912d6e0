package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/realtalk/internal/observability"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize    = 1024
	DefaultEventBuffer  = 256
	DefaultWriteTimeout = 10 * time.Second
)

var (
	ErrQueueFull        = errors.New("outbound queue full")
	ErrClosed           = errors.New("connection closed")
	ErrConnectionClosed = errors.New("inbound stream ended")
)

// SendError reports an outbound frame that could not be queued or written.
type SendError struct {
	Command string
	Err     error
}

func (e *SendError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("send: %v", e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Command, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type MuxOptions struct {
	QueueSize    int
	EventBuffer  int
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Mux owns one connection: a reader goroutine decodes inbound frames onto
// Events, a writer goroutine drains the outbound queue in FIFO order. Either
// side failing is terminal; Done is closed and Err reports the cause.
type Mux struct {
	conn         Conn
	codec        *protocol.Codec
	writeTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics

	out    chan []byte
	events chan protocol.Event
	done   chan struct{}
	opened chan struct{}

	startOnce sync.Once
	failOnce  sync.Once
	mu        sync.Mutex
	err       error
}

func NewMux(conn Conn, codec *protocol.Codec, opts MuxOptions) *Mux {
	if codec == nil {
		codec = protocol.NewCodec(0, 0)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Mux{
		conn:         conn,
		codec:        codec,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		out:          make(chan []byte, opts.QueueSize),
		events:       make(chan protocol.Event, opts.EventBuffer),
		done:         make(chan struct{}),
		opened:       make(chan struct{}),
	}
}

// Start launches the reader and writer. Calls after the first are no-ops.
func (m *Mux) Start() {
	m.startOnce.Do(func() {
		go m.readLoop()
		go m.writeLoop()
		close(m.opened)
	})
}

// Opened is closed once both pumps are running.
func (m *Mux) Opened() <-chan struct{} { return m.opened }

// Events yields decoded inbound events in receipt order. It is closed when the
// reader stops.
func (m *Mux) Events() <-chan protocol.Event { return m.events }

func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the terminal cause, or nil while the mux is healthy.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Enqueue queues a frame without blocking. Once the mux has failed no frame
// is accepted; fail takes the same lock before closing done.
func (m *Mux) Enqueue(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return ErrClosed
	}
	select {
	case m.out <- frame:
		return nil
	default:
		m.metrics.ObserveQueueDrop("outbound")
		return ErrQueueFull
	}
}

// Close tears down the connection without a close handshake.
func (m *Mux) Close() error {
	m.fail(ErrClosed)
	return nil
}

func (m *Mux) fail(err error) {
	m.failOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
		_ = m.conn.Close()
	})
}

func (m *Mux) readLoop() {
	defer close(m.events)
	for {
		typ, data, err := m.conn.ReadMessage()
		if err != nil {
			m.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		events, err := m.codec.Decode(data)
		if err != nil {
			m.metrics.ObserveDecodeError()
			m.logger.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}
		for _, evt := range events {
			m.metrics.ObserveMessage("in", messageLabel(evt))
			select {
			case m.events <- evt:
			case <-m.done:
				return
			}
		}
	}
}

// messageLabel folds every unhandled type into one label value; the type
// string comes from the peer.
func messageLabel(evt protocol.Event) string {
	if _, ok := evt.(protocol.Unhandled); ok {
		return "unhandled"
	}
	return protocol.EventName(evt)
}

func (m *Mux) writeLoop() {
	for {
		select {
		case <-m.done:
			return
		case frame := <-m.out:
			if err := m.write(frame); err != nil {
				select {
				case <-m.done:
					return
				default:
				}
				m.logger.Error("websocket write failed", zap.Error(err))
				m.fail(&SendError{Err: err})
				return
			}
		}
	}
}

func (m *Mux) write(frame []byte) error {
	if d, ok := m.conn.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	return m.conn.WriteMessage(websocket.TextMessage, frame)
}
