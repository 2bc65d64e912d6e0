// Package ephemeral mints short-lived realtime credentials through the
// session-creation API.
package ephemeral

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ent0n29/realtalk/internal/config"
	"github.com/ent0n29/realtalk/internal/protocol"
	"github.com/ent0n29/realtalk/internal/transport"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultVoice   = protocol.VoiceVerse
	sessionsPath   = "/v1/realtime/sessions"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNoClientSecret    = errors.New("session response carried no client_secret")
)

// StatusError is a non-2xx answer from the session-creation API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("create realtime session: status %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL    string
	credential config.Credential
	http       *http.Client
}

// NewClient returns a client for baseURL. A nil httpClient uses a 30s timeout.
func NewClient(baseURL string, credential config.Credential, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, credential: credential, http: httpClient}
}

type Request struct {
	Model string         `json:"model"`
	Voice protocol.Voice `json:"voice"`
}

// CreateSession registers a session and returns its descriptor, including
// the client secret.
func (c *Client) CreateSession(ctx context.Context, req Request) (protocol.SessionDescriptor, error) {
	key, ok := c.credential.Resolve()
	if !ok {
		return protocol.SessionDescriptor{}, fmt.Errorf("%w: %s is missing or empty", ErrInvalidCredential, c.credential)
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = transport.DefaultModel
	}
	if req.Voice == "" {
		req.Voice = DefaultVoice
	}

	payload, err := sonic.Marshal(req)
	if err != nil {
		return protocol.SessionDescriptor{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionsPath, bytes.NewReader(payload))
	if err != nil {
		return protocol.SessionDescriptor{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	res, err := c.http.Do(httpReq)
	if err != nil {
		return protocol.SessionDescriptor{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return protocol.SessionDescriptor{}, &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return protocol.SessionDescriptor{}, fmt.Errorf("read response: %w", err)
	}
	var desc protocol.SessionDescriptor
	if err := sonic.Unmarshal(body, &desc); err != nil {
		return protocol.SessionDescriptor{}, fmt.Errorf("decode response: %w", err)
	}
	return desc, nil
}

// CreateEphemeralToken creates a session and returns only its client secret.
func (c *Client) CreateEphemeralToken(ctx context.Context, req Request) (protocol.ClientSecret, error) {
	desc, err := c.CreateSession(ctx, req)
	if err != nil {
		return protocol.ClientSecret{}, err
	}
	if desc.ClientSecret == nil || desc.ClientSecret.Value == "" {
		return protocol.ClientSecret{}, ErrNoClientSecret
	}
	return *desc.ClientSecret, nil
}
