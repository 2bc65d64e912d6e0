package session

import (
	"time"

	"github.com/ent0n29/realtalk/internal/protocol"
)

// State is the lifecycle position of a Session.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	// StateUnusable is terminal: the transport failed or was closed.
	StateUnusable State = "unusable"
)

// Info is a point-in-time snapshot of a session, safe to share.
type Info struct {
	ID            string         `json:"session_id"`
	RemoteID      string         `json:"remote_id,omitempty"`
	State         State          `json:"state"`
	HasDescriptor bool           `json:"has_descriptor"`
	Model         string         `json:"model,omitempty"`
	Voice         protocol.Voice `json:"voice,omitempty"`
	ConnectedAt   time.Time      `json:"connected_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Error         string         `json:"error,omitempty"`
}
