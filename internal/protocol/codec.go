package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

const (
	DefaultSampleRate      = 24000
	DefaultSilenceDuration = time.Second
)

// CommandType names an outbound command.
type CommandType string

const (
	CommandSessionUpdate    CommandType = "session.update"
	CommandResponseCreate   CommandType = "response.create"
	CommandInputAudioAppend CommandType = "input_audio_buffer.append"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("decode frame")

// DecodeError reports an inbound frame that cannot be represented as an event.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

var api = sonic.ConfigStd

// Codec translates wire frames to events and commands to wire frames.
//
// SampleRate and SilenceDuration size the block of silence appended after
// every response.audio.done. The duration is a fixed placeholder, not derived
// from the utterance.
type Codec struct {
	SampleRate      int
	SilenceDuration time.Duration
}

// NewCodec returns a codec, substituting defaults for non-positive values.
func NewCodec(sampleRate int, silence time.Duration) *Codec {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if silence <= 0 {
		silence = DefaultSilenceDuration
	}
	return &Codec{SampleRate: sampleRate, SilenceDuration: silence}
}

// SilenceBytes is the length of the synthesized silence block: 16-bit mono
// samples for SilenceDuration at SampleRate.
func (c *Codec) SilenceBytes() int {
	samples := int64(c.SampleRate) * int64(c.SilenceDuration) / int64(time.Second)
	return int(samples) * 2
}

type decodeFunc func(c *Codec, raw []byte) ([]Event, error)

var decoders = map[string]decodeFunc{
	EventSessionCreated:          decodeSessionCreated,
	EventAudioDelta:              decodeAudioDelta,
	EventAudioTranscriptDelta:    decodeTranscriptDelta,
	EventAudioTranscriptDone:     decodeTranscriptDone,
	EventInputAudioSpeechStarted: decodeSpeechStarted,
	EventAudioDone:               decodeAudioDone,
}

type envelope struct {
	Type *string `json:"type"`
}

// Decode parses one inbound text frame into zero or more events, in the order
// they must be applied. Unknown types yield a single Unhandled event.
func (c *Codec) Decode(frame []byte) ([]Event, error) {
	var env envelope
	if err := api.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("invalid envelope: %w", err)}
	}
	if env.Type == nil || *env.Type == "" {
		return nil, &DecodeError{Err: errors.New("missing type")}
	}
	typ := *env.Type

	decode, ok := decoders[typ]
	if !ok {
		raw := make([]byte, len(frame))
		copy(raw, frame)
		return []Event{Unhandled{Type: typ, Raw: raw}}, nil
	}
	events, err := decode(c, frame)
	if err != nil {
		return nil, &DecodeError{Type: typ, Err: err}
	}
	return events, nil
}

func decodeSessionCreated(_ *Codec, raw []byte) ([]Event, error) {
	var msg struct {
		Session *SessionDescriptor `json:"session"`
	}
	if err := api.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Session == nil {
		return nil, errors.New("missing session")
	}
	if msg.Session.ID == "" {
		return nil, errors.New("session id is empty")
	}
	return []Event{SessionCreated{Session: *msg.Session}}, nil
}

func decodeAudioDelta(_ *Codec, raw []byte) ([]Event, error) {
	delta, err := stringField(raw, "delta")
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		return nil, fmt.Errorf("delta: %w", err)
	}
	return []Event{Audio{Data: data}}, nil
}

func decodeTranscriptDelta(_ *Codec, raw []byte) ([]Event, error) {
	delta, err := stringField(raw, "delta")
	if err != nil {
		return nil, err
	}
	return []Event{TranscriptDelta{Text: delta}}, nil
}

func decodeTranscriptDone(_ *Codec, raw []byte) ([]Event, error) {
	transcript, err := stringField(raw, "transcript")
	if err != nil {
		return nil, err
	}
	return []Event{TranscriptDone{Text: transcript}}, nil
}

func decodeSpeechStarted(_ *Codec, _ []byte) ([]Event, error) {
	return []Event{SpeechStarted{}}, nil
}

func decodeAudioDone(c *Codec, _ []byte) ([]Event, error) {
	return []Event{AudioDone{}, Audio{Data: make([]byte, c.SilenceBytes())}}, nil
}

func stringField(raw []byte, name string) (string, error) {
	var fields map[string]json.RawMessage
	if err := api.Unmarshal(raw, &fields); err != nil {
		return "", err
	}
	v, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("missing %s", name)
	}
	var s string
	if err := api.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// Command is a decoded outbound frame.
type Command struct {
	EventID string
	Type    CommandType
	// Body holds the command-specific fields, without event_id and type.
	Body map[string]json.RawMessage
}

// DecodeBody unmarshals the command-specific fields into v.
func (c Command) DecodeBody(v any) error {
	raw, err := api.Marshal(c.Body)
	if err != nil {
		return err
	}
	return api.Unmarshal(raw, v)
}

// SessionUpdateBody is the session.update payload.
type SessionUpdateBody struct {
	Session SessionUpdate `json:"session"`
}

// ResponseCreateBody is the response.create payload.
type ResponseCreateBody struct {
	Response ResponseCreate `json:"response"`
}

// AudioAppendBody is the input_audio_buffer.append payload.
type AudioAppendBody struct {
	Audio string `json:"audio"`
}

// Encode wraps body with a fresh event id and the command name, flattening the
// body's fields next to them. body must encode to a JSON object (or be nil).
func (c *Codec) Encode(typ CommandType, body any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if body != nil {
		raw, err := api.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", typ, err)
		}
		if err := api.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("encode %s body: not a JSON object: %w", typ, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}

	id, err := api.Marshal(uuid.NewString())
	if err != nil {
		return nil, err
	}
	name, err := api.Marshal(string(typ))
	if err != nil {
		return nil, err
	}
	fields["event_id"] = id
	fields["type"] = name

	frame, err := api.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return frame, nil
}

// DecodeCommand parses a frame produced by Encode.
func DecodeCommand(frame []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := api.Unmarshal(frame, &fields); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	var cmd Command
	if raw, ok := fields["event_id"]; ok {
		if err := api.Unmarshal(raw, &cmd.EventID); err != nil {
			return Command{}, fmt.Errorf("decode command event_id: %w", err)
		}
	}
	raw, ok := fields["type"]
	if !ok {
		return Command{}, errors.New("decode command: missing type")
	}
	var typ string
	if err := api.Unmarshal(raw, &typ); err != nil {
		return Command{}, fmt.Errorf("decode command type: %w", err)
	}
	cmd.Type = CommandType(typ)
	delete(fields, "event_id")
	delete(fields, "type")
	cmd.Body = fields
	return cmd, nil
}
