// Package agent opens a realtime session with a fixed conversational
// configuration.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/realtalk/internal/config"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/session"
	"github.com/ent0n29/realtalk/internal/transport"
)

const (
	DefaultModel        = transport.DefaultModel
	DefaultVoice        = protocol.VoiceEcho
	DefaultTemperature  = 0.7
	DefaultInstructions = "You are Melissa, a helpful customer support agent. Your language is en-US."
)

var ErrInvalidCredential = errors.New("invalid credential")

// CredentialError names the reference that failed to resolve.
type CredentialError struct {
	Ref string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%v: %s is missing or empty", e.Err, e.Ref)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Config describes one agent. Zero values select the defaults above; a zero
// Speed leaves the server default in place.
type Config struct {
	URL          string
	Model        string
	Voice        protocol.Voice
	Instructions string
	Temperature  float64
	Speed        float64
	Credential   config.Credential
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if strings.TrimSpace(c.Instructions) == "" {
		c.Instructions = DefaultInstructions
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	return c
}

// DefaultTurnDetection is server-side VAD that starts a response on its own
// and never interrupts one.
func DefaultTurnDetection() protocol.TurnDetection {
	return protocol.TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 1000,
		CreateResponse:    true,
		InterruptResponse: false,
	}
}

// BootstrapUpdate is the single session.update sent right after connect.
func BootstrapUpdate(cfg Config) protocol.SessionUpdate {
	cfg = cfg.withDefaults()
	instructions := cfg.Instructions
	temperature := cfg.Temperature
	td := DefaultTurnDetection()
	update := protocol.SessionUpdate{
		Modalities:        []protocol.Modality{protocol.ModalityAudio, protocol.ModalityText},
		Instructions:      &instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  protocol.AudioFormatPCM16,
		OutputAudioFormat: protocol.AudioFormatPCM16,
		Temperature:       &temperature,
		TurnDetection:     &td,
	}
	if cfg.Speed > 0 {
		speed := cfg.Speed
		update.Speed = &speed
	}
	return update
}

// Connect resolves the credential, opens the session and queues the bootstrap
// update. It does not wait for the server to acknowledge the update.
func Connect(ctx context.Context, cfg Config, opts session.Options) (*session.Session, <-chan []byte, error) {
	key, ok := cfg.Credential.Resolve()
	if !ok {
		return nil, nil, &CredentialError{Ref: cfg.Credential.String(), Err: ErrInvalidCredential}
	}
	cfg = cfg.withDefaults()

	target := transport.Target{URL: cfg.URL, Model: cfg.Model, Credential: key}
	s, audio, err := session.Connect(ctx, target, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := s.UpdateConfiguration(BootstrapUpdate(cfg)); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("bootstrap session: %w", err)
	}
	return s, audio, nil
}
