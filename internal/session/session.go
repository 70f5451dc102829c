// Package session defines the live messaging session handle, the hooks it
// raises, and the in-process table that owns handles by key.
package session

import (
	"context"
	"time"
)

// Key identifies one live session. It is derived from an instance id and
// token and cannot be built from either alone.
type Key string

// NewKey derives the session key for an instance. ok is false when either
// part is empty.
func NewKey(id, token string) (Key, bool) {
	if id == "" || token == "" {
		return "", false
	}
	return Key(id + ":" + token), true
}

// RuntimeState is the automation surface's view of a session.
type RuntimeState string

const (
	StateConflict          RuntimeState = "CONFLICT"
	StateConnected         RuntimeState = "CONNECTED"
	StateDeprecatedVersion RuntimeState = "DEPRECATED_VERSION"
	StateOpening           RuntimeState = "OPENING"
	StatePairing           RuntimeState = "PAIRING"
	StateProxyBlock        RuntimeState = "PROXYBLOCK"
	StateSMBTOSBlock       RuntimeState = "SMB_TOS_BLOCK"
	StateTimeout           RuntimeState = "TIMEOUT"
	StateTOSBlock          RuntimeState = "TOS_BLOCK"
	StateUnlaunched        RuntimeState = "UNLAUNCHED"
	StateUnpaired          RuntimeState = "UNPAIRED"
	StateUnpairedIdle      RuntimeState = "UNPAIRED_IDLE"

	// StateUnknown means no session exists or its state could not be read.
	StateUnknown RuntimeState = "UNKNOWN"
)

// Incoming is a message received by a session.
type Incoming struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	HasMedia  bool      `json:"has_media"`
	Timestamp time.Time `json:"timestamp"`
}

// Outgoing is a text or document to deliver. Document is base64 encoded.
type Outgoing struct {
	To       string
	Body     string
	Filename string
	Document string
	MimeType string
}

// Handle wraps one external automation connection.
type Handle interface {
	// Initialize begins connecting. Progress is reported through Hooks.
	Initialize(ctx context.Context) error
	State(ctx context.Context) (RuntimeState, error)
	// Opened reports whether the automation surface has been opened.
	Opened() bool
	Destroy(ctx context.Context) error
	Logout(ctx context.Context) error
	Send(ctx context.Context, msg Outgoing) error
}

// Factory builds handles with hooks attached.
type Factory interface {
	New(key Key, hooks Hooks) (Handle, error)
}
