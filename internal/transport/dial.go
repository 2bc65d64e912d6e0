package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
)

// Conn is the subset of *websocket.Conn the multiplexer needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Target identifies the realtime endpoint and the credential presented to it.
type Target struct {
	URL        string
	Model      string
	Credential string
	Headers    http.Header
}

// Endpoint returns the websocket URL with the model query parameter set.
func (t Target) Endpoint() (string, error) {
	base := strings.TrimSpace(t.URL)
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("realtime url scheme %q must be ws or wss", u.Scheme)
	}
	model := strings.TrimSpace(t.Model)
	if model == "" {
		model = DefaultModel
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t Target) header() http.Header {
	h := http.Header{}
	for k, vs := range t.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Authorization", "Bearer "+t.Credential)
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

// ErrConnect matches every *ConnectError via errors.Is.
var ErrConnect = errors.New("realtime connect failed")

// ConnectError reports a failed dial or upgrade. Status is the HTTP status of
// a rejected upgrade, zero when no response was received.
type ConnectError struct {
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		if e.Body != "" {
			return fmt.Sprintf("connect %s: status %d: %s", e.URL, e.Status, e.Body)
		}
		return fmt.Sprintf("connect %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// Unauthorized reports whether the peer rejected the credential.
func (e *ConnectError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Dial opens the websocket and returns once the upgrade completes. The only
// deadline is ctx. A nil dialer uses websocket.DefaultDialer.
func Dial(ctx context.Context, target Target, dialer *websocket.Dialer) (*websocket.Conn, error) {
	endpoint, err := target.Endpoint()
	if err != nil {
		return nil, &ConnectError{URL: target.URL, Err: err}
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, res, err := dialer.DialContext(ctx, endpoint, target.header())
	if err != nil {
		cerr := &ConnectError{URL: redact(endpoint), Err: err}
		if res != nil {
			cerr.Status = res.StatusCode
			if res.Body != nil {
				body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
				_ = res.Body.Close()
				cerr.Body = strings.TrimSpace(string(body))
			}
		}
		return nil, cerr
	}
	return conn, nil
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.User = nil
	return u.String()
}
