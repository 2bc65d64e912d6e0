package agent

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/realtalk/internal/config"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/session"
	"github.com/gorilla/websocket"
)

func fakeRealtimeServer(t *testing.T, frames chan<- []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, first, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames <- first
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","session":{"id":"abc","voice":"echo","modalities":["audio","text"]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","delta":"AQID"}`))
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case frames <- frame:
			default:
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectBootstrapsSession(t *testing.T) {
	frames := make(chan []byte, 4)
	srv := fakeRealtimeServer(t, frames)

	s, audio, err := Connect(context.Background(), Config{
		URL:        wsURL(srv),
		Credential: config.Literal("sk-test"),
	}, session.Options{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()

	var first []byte
	select {
	case first = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatalf("server received no frame")
	}
	cmd, err := protocol.DecodeCommand(first)
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if cmd.Type != protocol.CommandSessionUpdate {
		t.Fatalf("first frame type = %q, want session.update", cmd.Type)
	}
	var body protocol.SessionUpdateBody
	if err := cmd.DecodeBody(&body); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	u := body.Session
	if u.Voice != protocol.VoiceEcho {
		t.Fatalf("voice = %q, want echo", u.Voice)
	}
	if len(u.Modalities) != 2 || u.Modalities[0] != protocol.ModalityAudio || u.Modalities[1] != protocol.ModalityText {
		t.Fatalf("modalities = %v, want [audio text]", u.Modalities)
	}
	if u.TurnDetection == nil || !u.TurnDetection.CreateResponse || u.TurnDetection.InterruptResponse {
		t.Fatalf("turn detection = %+v", u.TurnDetection)
	}
	if u.InputAudioFormat != protocol.AudioFormatPCM16 || u.OutputAudioFormat != protocol.AudioFormatPCM16 {
		t.Fatalf("audio formats = %q/%q, want pcm16", u.InputAudioFormat, u.OutputAudioFormat)
	}
	if u.Temperature == nil || *u.Temperature != DefaultTemperature {
		t.Fatalf("temperature = %v, want %v", u.Temperature, DefaultTemperature)
	}
	if u.Speed != nil {
		t.Fatalf("speed = %v, want unset", *u.Speed)
	}

	select {
	case chunk := <-audio:
		if !bytes.Equal(chunk, []byte{1, 2, 3}) {
			t.Fatalf("audio = %v, want [1 2 3]", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for audio")
	}
	if d, ok := s.Descriptor(); !ok || d.ID != "abc" {
		t.Fatalf("Descriptor() = %+v, %v; want id abc", d, ok)
	}

	select {
	case extra := <-frames:
		t.Fatalf("server received a second frame: %s", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConnectRejectsMissingCredentialBeforeDialing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	lookup := func(string) (string, bool) { return "", false }
	_, _, err := Connect(context.Background(), Config{
		URL:        wsURL(srv),
		Credential: config.FromEnv("UNSET_KEY", lookup),
	}, session.Options{})
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("Connect() error = %v, want ErrInvalidCredential", err)
	}
	var ce *CredentialError
	if !errors.As(err, &ce) || ce.Ref != "env UNSET_KEY" {
		t.Fatalf("error = %#v, want CredentialError for env UNSET_KEY", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("server was contacted %d times", hits.Load())
	}
}

func TestBootstrapUpdateHonorsOverrides(t *testing.T) {
	u := BootstrapUpdate(Config{
		Voice:        protocol.VoiceVerse,
		Instructions: "You are Jen.",
		Temperature:  0.9,
		Speed:        1.2,
	})
	if u.Voice != protocol.VoiceVerse || *u.Instructions != "You are Jen." {
		t.Fatalf("unexpected update: %+v", u)
	}
	if *u.Temperature != 0.9 || u.Speed == nil || *u.Speed != 1.2 {
		t.Fatalf("temperature/speed = %v/%v", *u.Temperature, u.Speed)
	}
	td := DefaultTurnDetection()
	if td.Threshold != 0.5 || td.PrefixPaddingMS != 300 || td.SilenceDurationMS != 1000 || td.Type != "server_vad" {
		t.Fatalf("DefaultTurnDetection() = %+v", td)
	}
	if d := BootstrapUpdate(Config{}); *d.Instructions != DefaultInstructions {
		t.Fatalf("default instructions = %q", *d.Instructions)
	}
}
