package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/realtalk/internal/observability"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultAudioBuffer = 512

var ErrUnusable = errors.New("session unusable")

// Transport is the connection a Session drives. *transport.Mux implements it.
type Transport interface {
	Enqueue(frame []byte) error
	Events() <-chan protocol.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Options struct {
	Codec       *protocol.Codec
	AudioBuffer int
	Dialer      *websocket.Dialer
	Mux         transport.MuxOptions
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Session is one conversational connection. The descriptor is the only state
// shared between the event loop and callers, guarded by mu.
type Session struct {
	id      string
	tr      Transport
	codec   *protocol.Codec
	audio   chan []byte
	stopped chan struct{}
	logger  *zap.Logger
	metrics *observability.Metrics

	startOnce sync.Once

	mu            sync.RWMutex
	state         State
	descriptor    protocol.SessionDescriptor
	hasDescriptor bool
	connectedAt   time.Time
	responseAt    time.Time
}

// Connect dials target, starts the multiplexer and the event loop, and returns
// the session with its audio stream. It returns as soon as the transport is
// open; the descriptor arrives later with session.created.
func Connect(ctx context.Context, target transport.Target, opts Options) (*Session, <-chan []byte, error) {
	conn, err := transport.Dial(ctx, target, opts.Dialer)
	if err != nil {
		return nil, nil, err
	}
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(0, 0)
	}
	muxOpts := opts.Mux
	if muxOpts.Logger == nil {
		muxOpts.Logger = opts.Logger
	}
	if muxOpts.Metrics == nil {
		muxOpts.Metrics = opts.Metrics
	}

	mux := transport.NewMux(conn, opts.Codec, muxOpts)
	s := New(mux, opts)
	s.logger = s.logger.With(zap.String("model", target.Model))
	mux.Start()
	<-mux.Opened()
	return s, s.Start(), nil
}

// New wraps an already connected transport. The session stays in
// StateConnecting until Start.
func New(tr Transport, opts Options) *Session {
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(0, 0)
	}
	if opts.AudioBuffer <= 0 {
		opts.AudioBuffer = DefaultAudioBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()[:8]
	return &Session{
		id:      id,
		tr:      tr,
		codec:   opts.Codec,
		audio:   make(chan []byte, opts.AudioBuffer),
		stopped: make(chan struct{}),
		logger:  logger.With(zap.String("session", id)),
		metrics: opts.Metrics,
		state:   StateConnecting,
	}
}

// Start marks the session active and launches the event loop. It returns the
// audio stream, which is closed when the inbound stream ends.
func (s *Session) Start() <-chan []byte {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.state = StateActive
		s.connectedAt = time.Now().UTC()
		s.mu.Unlock()
		s.metrics.SessionOpened()
		s.metrics.ObserveEvent("connected")
		s.logger.Info("realtime session connected")
		go s.run()
	})
	return s.audio
}

func (s *Session) ID() string { return s.id }

// Audio returns the same stream Start returned.
func (s *Session) Audio() <-chan []byte { return s.audio }

// Done is closed after the event loop exits and the audio stream is closed.
func (s *Session) Done() <-chan struct{} { return s.stopped }

func (s *Session) State() State {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st == StateActive {
		select {
		case <-s.tr.Done():
			return StateUnusable
		default:
		}
	}
	return st
}

// Err reports why the session became unusable, nil otherwise.
func (s *Session) Err() error {
	if s.State() != StateUnusable {
		return nil
	}
	if err := s.tr.Err(); err != nil {
		return err
	}
	return ErrUnusable
}

// Descriptor returns a copy of the latest server descriptor. ok is false until
// session.created has been applied.
func (s *Session) Descriptor() (protocol.SessionDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasDescriptor {
		return protocol.SessionDescriptor{}, false
	}
	return s.descriptor.Clone(), true
}

func (s *Session) HasDescriptor() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasDescriptor
}

func (s *Session) Info() Info {
	st := s.State()
	s.mu.RLock()
	info := Info{
		ID:            s.id,
		State:         st,
		HasDescriptor: s.hasDescriptor,
		ConnectedAt:   s.connectedAt,
	}
	if s.hasDescriptor {
		info.RemoteID = s.descriptor.ID
		info.Model = s.descriptor.Model
		info.Voice = s.descriptor.Voice
		if s.descriptor.ExpiresAt > 0 {
			exp := time.Unix(s.descriptor.ExpiresAt, 0).UTC()
			info.ExpiresAt = &exp
		}
	}
	s.mu.RUnlock()
	if err := s.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// UpdateConfiguration queues a session.update. It does not wait for the
// server to acknowledge.
func (s *Session) UpdateConfiguration(update protocol.SessionUpdate) error {
	return s.send(protocol.CommandSessionUpdate, protocol.SessionUpdateBody{Session: update})
}

// CreateResponse queues a response.create.
func (s *Session) CreateResponse(resp protocol.ResponseCreate) error {
	if err := s.send(protocol.CommandResponseCreate, protocol.ResponseCreateBody{Response: resp}); err != nil {
		return err
	}
	s.mu.Lock()
	s.responseAt = time.Now()
	s.mu.Unlock()
	return nil
}

// AppendAudio queues one chunk of PCM16 input audio. The remote peer rejects
// appends larger than 15 MiB; the size is not checked here.
func (s *Session) AppendAudio(chunk []byte) error {
	return s.send(protocol.CommandInputAudioAppend, protocol.AudioAppendBody{
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Close tears down the transport. The audio stream closes once the reader
// observes it.
func (s *Session) Close() error {
	return s.tr.Close()
}

func (s *Session) send(typ protocol.CommandType, body any) error {
	if s.State() == StateUnusable {
		return &transport.SendError{Command: string(typ), Err: s.unusable()}
	}
	frame, err := s.codec.Encode(typ, body)
	if err != nil {
		return &transport.SendError{Command: string(typ), Err: err}
	}
	if typ != protocol.CommandInputAudioAppend {
		s.logger.Debug("send command", zap.String("type", string(typ)), zap.ByteString("frame", frame))
	}
	if err := s.tr.Enqueue(frame); err != nil {
		s.metrics.ObserveSendError(string(typ))
		if errors.Is(err, transport.ErrClosed) {
			err = s.unusable()
		}
		return &transport.SendError{Command: string(typ), Err: err}
	}
	s.metrics.ObserveMessage("out", string(typ))
	return nil
}

func (s *Session) unusable() error {
	if cause := s.tr.Err(); cause != nil && !errors.Is(cause, ErrUnusable) {
		return fmt.Errorf("%w: %w", ErrUnusable, cause)
	}
	return ErrUnusable
}

func (s *Session) run() {
	defer close(s.stopped)
	defer close(s.audio)

	for evt := range s.tr.Events() {
		s.handleEvent(evt)
	}

	s.mu.Lock()
	s.state = StateUnusable
	s.mu.Unlock()
	s.metrics.SessionClosed()
	s.metrics.ObserveEvent("unusable")

	cause := s.tr.Err()
	if cause == nil || errors.Is(cause, transport.ErrClosed) {
		s.logger.Info("realtime session closed")
		return
	}
	s.logger.Warn("realtime session unusable", zap.Error(cause))
}

func (s *Session) handleEvent(evt protocol.Event) {
	switch e := evt.(type) {
	case protocol.SessionCreated:
		s.mu.Lock()
		replaced := s.hasDescriptor
		s.descriptor = e.Session.Clone()
		s.hasDescriptor = true
		s.mu.Unlock()
		if replaced {
			s.metrics.ObserveEvent("descriptor_replaced")
		}
		s.logger.Info("session created", zap.String("remote_id", e.Session.ID), zap.Bool("replaced", replaced))
	case protocol.Audio:
		s.observeFirstAudio()
		s.forwardAudio(e.Data)
	case protocol.TranscriptDelta:
		s.logger.Debug("transcript delta", zap.String("text", e.Text))
	case protocol.TranscriptDone:
		s.logger.Info("transcript", zap.String("text", e.Text))
	case protocol.SpeechStarted:
		s.logger.Info("speech started")
	case protocol.AudioDone:
		s.logger.Debug("audio done")
	case protocol.Unhandled:
		s.logger.Debug("unhandled event", zap.String("type", e.Type))
	}
}

func (s *Session) observeFirstAudio() {
	s.mu.Lock()
	started := s.responseAt
	s.responseAt = time.Time{}
	s.mu.Unlock()
	if !started.IsZero() {
		s.metrics.ObserveFirstAudioLatency(time.Since(started))
	}
}

// forwardAudio never blocks the event loop: when the stream is full the oldest
// chunk is discarded. The loop is the only producer.
func (s *Session) forwardAudio(chunk []byte) {
	for {
		select {
		case s.audio <- chunk:
			return
		default:
		}
		select {
		case old := <-s.audio:
			s.metrics.ObserveQueueDrop("audio_out")
			s.logger.Debug("audio stream full, dropped oldest chunk", zap.Int("bytes", len(old)))
		default:
		}
	}
}
