// Package message models one conversational turn and its lifecycle.
// All transforms here are pure state manipulation; no I/O happens below
// this package.
package message

import (
	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a turn.
//
// A user turn is created pending and moves to success when its paired
// assistant reply arrives, or to error on failure. An aborted request is an
// error *kind*, not a fourth status: the bubble renders through StatusError
// with different copy.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// CustomPrompt is a follow-up suggestion attached to an assistant turn.
type CustomPrompt struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// Message is one turn in a session.
type Message struct {
	ID            string         `json:"id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	Status        Status         `json:"status"`
	CustomPrompts []CustomPrompt `json:"custom_prompts,omitempty"`
}

// Raw is the transport payload shape. The backend may omit id, content,
// status or custom_prompts depending on which endpoint produced it.
type Raw struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Status        string         `json:"status"`
	CustomPrompts []CustomPrompt `json:"custom_prompts"`
}

// NewID returns a client-generated message id, unique across the process
// lifetime.
func NewID() string {
	return uuid.NewString()
}

// Normalize coerces a transport payload into the canonical Message shape.
// Missing content becomes the empty string so rendering code has no null
// case; a missing id gets a locally generated one.
func Normalize(raw Raw) Message {
	msg := Message{
		ID:            raw.ID,
		Role:          Role(raw.Role),
		Content:       raw.Content,
		Status:        StatusSuccess,
		CustomPrompts: raw.CustomPrompts,
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	switch raw.Status {
	case "loading", string(StatusPending):
		msg.Status = StatusPending
	case string(StatusError):
		msg.Status = StatusError
	default:
		// The backend reports "sent"/"received" for stored turns; anything
		// already persisted counts as a completed exchange.
		msg.Status = StatusSuccess
	}
	return msg
}
