// Package transport is the only component of the chat pipeline that
// performs I/O. It wraps the consultation backend's REST API; failures
// propagate to the caller, which owns recovery policy. No retries happen
// here.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/guyuedumingx/chatSpace/internal/message"
)

// Session is a named, independently-scrollable conversation thread as the
// backend describes it.
type Session struct {
	ID             string `json:"key"`
	Label          string `json:"label"`
	Group          string `json:"group"`
	OrganizationID string `json:"org"`
}

// Prompt is a hot-topic entry shown while a thread is still empty.
type Prompt struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Children    []Prompt `json:"children,omitempty"`
}

// EscalationContact is the human fallback surfaced when a survey reports an
// unsolved problem. Read-only; owned by the backend.
type EscalationContact struct {
	Name  string `json:"contactName"`
	Phone string `json:"contactPhone"`
	Order int    `json:"order"`
}

// Survey is the feedback captured at the end of a session's engagement.
type Survey struct {
	Solved  string `json:"solved"`
	Comment string `json:"comment,omitempty"`
	ChatID  string `json:"chat_id"`
	UserID  string `json:"user_id,omitempty"`
}

const (
	SurveySolvedYes = "yes"
	SurveySolvedNo  = "no"
)

// ErrAuthExpired marks a 401 response: the bearer credential is no longer
// valid and the user must re-authenticate. Distinguished from a generic
// transport failure so the caller can redirect instead of flagging the
// message bubble.
var ErrAuthExpired = errors.New("authentication expired")

// Error carries the HTTP-like status and body of a failed call.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: status %d: %s", e.Status, e.Body)
}

// Client is the remote API boundary consumed by the orchestrator. All
// operations honor ctx cancellation; a superseded request surfaces as
// context.Canceled.
type Client interface {
	ListSessions(ctx context.Context, orgID string) ([]Session, error)
	CreateSession(ctx context.Context, label, orgID string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	// FetchHistory returns the stored turns of a session, oldest first.
	FetchHistory(ctx context.Context, sessionID string) ([]message.Message, error)
	// AppendUserMessage stores one user turn and returns the paired
	// assistant reply in the same round trip.
	AppendUserMessage(ctx context.Context, sessionID, text string) (message.Message, error)
	FetchHotTopics(ctx context.Context) ([]Prompt, error)
	FetchEscalationContacts(ctx context.Context, sessionID string) ([]EscalationContact, error)
	SubmitSurvey(ctx context.Context, survey Survey) error
	// SurveyExists reports whether a survey was already recorded for the
	// session, so the idle prompt is shown at most once per session.
	SurveyExists(ctx context.Context, sessionID string) (bool, error)
}
