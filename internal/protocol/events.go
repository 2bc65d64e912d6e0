package protocol

import "fmt"

// Inbound event names understood by the codec.
const (
	EventSessionCreated          = "session.created"
	EventAudioDelta              = "response.audio.delta"
	EventAudioTranscriptDelta    = "response.audio_transcript.delta"
	EventAudioTranscriptDone     = "response.audio_transcript.done"
	EventInputAudioSpeechStarted = "input_audio_buffer.speech_started"
	EventAudioDone               = "response.audio.done"
)

// Event is the closed set of domain events produced by Decode. The unexported
// marker keeps other packages from adding variants.
type Event interface {
	eventName() string
}

// Audio carries raw PCM16 bytes, either decoded from the wire or synthesized.
type Audio struct {
	Data []byte
}

// SessionCreated carries the descriptor the server assigned.
type SessionCreated struct {
	Session SessionDescriptor
}

type TranscriptDelta struct {
	Text string
}

type TranscriptDone struct {
	Text string
}

type SpeechStarted struct{}

type AudioDone struct{}

// Unhandled is any frame whose type is not in the dispatch table.
type Unhandled struct {
	Type string
	Raw  []byte
}

func (Audio) eventName() string           { return EventAudioDelta }
func (SessionCreated) eventName() string  { return EventSessionCreated }
func (TranscriptDelta) eventName() string { return EventAudioTranscriptDelta }
func (TranscriptDone) eventName() string  { return EventAudioTranscriptDone }
func (SpeechStarted) eventName() string   { return EventInputAudioSpeechStarted }
func (AudioDone) eventName() string       { return EventAudioDone }
func (u Unhandled) eventName() string     { return u.Type }

// EventName reports the wire name an event was decoded from. Synthesized
// silence reports the audio delta name.
func EventName(evt Event) string {
	if evt == nil {
		return ""
	}
	return evt.eventName()
}

// String keeps audio payloads out of logs.
func (a Audio) String() string {
	return fmt.Sprintf("Audio(%d bytes)", len(a.Data))
}
