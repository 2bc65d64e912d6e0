package protocol

import (
	"fmt"
	"strings"
)

// Voice names one of the remote service's preset voices.
type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceAsh     Voice = "ash"
	VoiceBallad  Voice = "ballad"
	VoiceCoral   Voice = "coral"
	VoiceEcho    Voice = "echo"
	VoiceSage    Voice = "sage"
	VoiceShimmer Voice = "shimmer"
	VoiceVerse   Voice = "verse"
)

var voices = []Voice{VoiceAlloy, VoiceAsh, VoiceBallad, VoiceCoral, VoiceEcho, VoiceSage, VoiceShimmer, VoiceVerse}

// Voices lists every known preset in declaration order.
func Voices() []Voice {
	out := make([]Voice, len(voices))
	copy(out, voices)
	return out
}

// ParseVoice maps a case-insensitive preset name to a Voice.
func ParseVoice(raw string) (Voice, error) {
	v := Voice(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range voices {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown voice %q", raw)
}

// AudioFormat is the wire encoding of audio in both directions.
type AudioFormat string

const AudioFormatPCM16 AudioFormat = "pcm16"

// Modality is an output kind the remote peer may produce.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// ClientSecret is a short-lived credential minted by the session-creation API.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// SessionDescriptor is the server-acknowledged session identity and
// configuration carried by session.created.
type SessionDescriptor struct {
	ID                string         `json:"id"`
	Object            string         `json:"object,omitempty"`
	Model             string         `json:"model,omitempty"`
	ExpiresAt         int64          `json:"expires_at,omitempty"`
	Modalities        []Modality     `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             Voice          `json:"voice,omitempty"`
	InputAudioFormat  AudioFormat    `json:"input_audio_format,omitempty"`
	OutputAudioFormat AudioFormat    `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	Speed             float64        `json:"speed,omitempty"`
	ClientSecret      *ClientSecret  `json:"client_secret,omitempty"`
}

// Clone returns a deep copy so callers never share slices or pointers with
// the owning session.
func (d SessionDescriptor) Clone() SessionDescriptor {
	c := d
	if d.Modalities != nil {
		c.Modalities = append([]Modality(nil), d.Modalities...)
	}
	if d.TurnDetection != nil {
		td := *d.TurnDetection
		c.TurnDetection = &td
	}
	if d.ClientSecret != nil {
		cs := *d.ClientSecret
		c.ClientSecret = &cs
	}
	return c
}

// SessionUpdate is the body of a session.update command. Unset fields are
// omitted so the server keeps its current value.
type SessionUpdate struct {
	Modalities []Modality `json:"modalities,omitempty"`
	// An empty non-nil pointer clears the instructions.
	Instructions      *string        `json:"instructions,omitempty"`
	Voice             Voice          `json:"voice,omitempty"`
	InputAudioFormat  AudioFormat    `json:"input_audio_format,omitempty"`
	OutputAudioFormat AudioFormat    `json:"output_audio_format,omitempty"`
	Temperature       *float64       `json:"temperature,omitempty"`
	Speed             *float64       `json:"speed,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// ResponseCreate asks the remote peer to start generating output.
type ResponseCreate struct {
	Modalities   []Modality `json:"modalities,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Voice        Voice      `json:"voice,omitempty"`
}
