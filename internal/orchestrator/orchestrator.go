// Package orchestrator sequences the chat pipeline: registry, transport,
// cancellation and the idle survey trigger. The sub-components never call
// each other directly; every user intent flows through here.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/guyuedumingx/chatSpace/internal/history"
	"github.com/guyuedumingx/chatSpace/internal/idle"
	"github.com/guyuedumingx/chatSpace/internal/inflight"
	"github.com/guyuedumingx/chatSpace/internal/logger"
	"github.com/guyuedumingx/chatSpace/internal/message"
	"github.com/guyuedumingx/chatSpace/internal/session"
	"github.com/guyuedumingx/chatSpace/internal/transport"
)

var (
	// ErrEmptyMessage rejects empty or whitespace-only submits before any
	// pending message or network call exists.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrBusy rejects a submit while another request is outstanding; sends
	// are never queued.
	ErrBusy = errors.New("a request is already in flight")
	// ErrNoActiveSession rejects operations that need an active session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrCancelled reports that the send was superseded or aborted. Not a
	// failure: callers may surface neutral copy, nothing else.
	ErrCancelled = errors.New("request cancelled")
	// ErrInvalidSurvey rejects a survey without a yes/no answer.
	ErrInvalidSurvey = errors.New("survey answer must be yes or no")
)

// Events is implemented by the presentation layer. Callbacks may arrive
// from timer goroutines; implementations must be safe for that.
type Events interface {
	// SessionsChanged fires when the session list or active id changed.
	SessionsChanged()
	// ThreadChanged fires when a session's message list changed.
	ThreadChanged(sessionID string)
	// SurveyRequested asks the UI to show the satisfaction prompt.
	// Contacts arrive sorted and are rendered only for an unsolved answer.
	SurveyRequested(sessionID string, contacts []transport.EscalationContact)
	// AuthExpired fires on a 401: the UI must redirect to re-auth.
	AuthExpired()
}

type noopEvents struct{}

func (noopEvents) SessionsChanged()                                      {}
func (noopEvents) ThreadChanged(string)                                  {}
func (noopEvents) SurveyRequested(string, []transport.EscalationContact) {}
func (noopEvents) AuthExpired()                                          {}

// Orchestrator is the composition root of the conversational pipeline.
type Orchestrator struct {
	client  transport.Client
	org     string
	flights *inflight.Controller
	survey  *idle.Trigger
	mirror  *history.Store
	events  Events

	mu        sync.Mutex // guards registry and every thread behind it
	registry  *session.Registry
	hotTopics []transport.Prompt
}

// New wires the pipeline. mirror may be nil to disable the local
// transcript cache; events may be nil.
func New(client transport.Client, org string, surveyDelay time.Duration, mirror *history.Store, events Events) *Orchestrator {
	if events == nil {
		events = noopEvents{}
	}
	o := &Orchestrator{
		client:   client,
		org:      org,
		flights:  inflight.NewController(),
		mirror:   mirror,
		events:   events,
		registry: session.NewRegistry(),
	}
	o.survey = idle.NewTrigger(surveyDelay, o.onIdle)
	return o
}

// Bootstrap loads the session list and hot topics, activates the first
// session and loads its history, mirroring the client's start-up flow.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	sessions, err := o.client.ListSessions(ctx, o.org)
	if err != nil {
		return o.noteAuth(err)
	}
	topics, err := o.client.FetchHotTopics(ctx)
	if err != nil {
		return o.noteAuth(err)
	}

	o.mu.Lock()
	o.hotTopics = topics
	// The server lists most-recent-first; Add front-inserts, so seed in
	// reverse to preserve order.
	for i := len(sessions) - 1; i >= 0; i-- {
		o.registry.Add(session.FromTransport(sessions[i]))
	}
	first := o.registry.ActiveID()
	o.mu.Unlock()

	o.events.SessionsChanged()
	if first == "" {
		return nil
	}
	return o.activate(ctx, first)
}

// SwitchSession makes id the active session, cancelling any outstanding
// request and loading the session's history. Switching to the already
// active session is a no-op.
func (o *Orchestrator) SwitchSession(ctx context.Context, id string) error {
	o.mu.Lock()
	changed, err := o.registry.SetActive(id)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	o.events.SessionsChanged()
	return o.activate(ctx, id)
}

// CreateSession creates a session on the backend, front-inserts it and
// switches to it.
func (o *Orchestrator) CreateSession(ctx context.Context, label string) (string, error) {
	ts, err := o.client.CreateSession(ctx, label, o.org)
	if err != nil {
		return "", o.noteAuth(err)
	}

	o.mu.Lock()
	o.registry.Add(session.FromTransport(ts))
	o.registry.SetActive(ts.ID)
	o.mu.Unlock()

	o.events.SessionsChanged()
	if err := o.activate(ctx, ts.ID); err != nil {
		return ts.ID, err
	}
	return ts.ID, nil
}

// DeleteSession removes a session. Deleting the active session activates
// the first remaining one through the same cancel-and-load path as an
// explicit switch; deleting the last session leaves no session active.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if err := o.client.DeleteSession(ctx, id); err != nil {
		return o.noteAuth(err)
	}

	o.mu.Lock()
	newActive, changed := o.registry.Remove(id)
	o.mu.Unlock()

	if o.mirror != nil {
		o.mirror.Forget(id)
	}
	o.events.SessionsChanged()

	if !changed {
		return nil
	}
	if newActive == "" {
		o.flights.Cancel()
		o.survey.Disarm()
		o.events.ThreadChanged("")
		return nil
	}
	return o.activate(ctx, newActive)
}

// CancelCurrent aborts the outstanding request, if any. The affected
// pending message transitions to error with the aborted distinction;
// nothing else changes.
func (o *Orchestrator) CancelCurrent() {
	o.flights.Cancel()
}

// ShowSurveyNow handles the explicit "end conversation" action: the idle
// timer is disarmed and the survey prompt fires immediately for the
// active session.
func (o *Orchestrator) ShowSurveyNow(ctx context.Context) error {
	o.survey.Disarm()

	o.mu.Lock()
	active := o.registry.ActiveID()
	o.mu.Unlock()
	if active == "" {
		return ErrNoActiveSession
	}
	o.promptSurvey(ctx, active)
	return nil
}

// SubmitSurvey records the user's satisfaction answer. The chat id
// defaults to the active session.
func (o *Orchestrator) SubmitSurvey(ctx context.Context, survey transport.Survey) error {
	if survey.Solved != transport.SurveySolvedYes && survey.Solved != transport.SurveySolvedNo {
		return ErrInvalidSurvey
	}
	if survey.ChatID == "" {
		o.mu.Lock()
		survey.ChatID = o.registry.ActiveID()
		o.mu.Unlock()
	}
	if survey.ChatID == "" {
		return ErrNoActiveSession
	}
	if err := o.client.SubmitSurvey(ctx, survey); err != nil {
		return o.noteAuth(err)
	}
	logger.L.Info("survey submitted", "session", survey.ChatID, "solved", survey.Solved)
	return nil
}

// Sessions returns the known sessions, most recent first.
func (o *Orchestrator) Sessions() []*session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.Sessions()
}

// ActiveID returns the active session id, or "".
func (o *Orchestrator) ActiveID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.ActiveID()
}

// ActiveMessages returns a copy of the active session's thread.
func (o *Orchestrator) ActiveMessages() []message.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	active := o.registry.Active()
	if active == nil {
		return nil
	}
	return active.Thread.Messages()
}

// HotTopics returns the prompts shown while a thread is still empty.
func (o *Orchestrator) HotTopics() []transport.Prompt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hotTopics
}

// Busy reports whether a send is outstanding.
func (o *Orchestrator) Busy() bool {
	return o.flights.Busy()
}

// activate is the single switch path: cancel any outstanding request,
// load the session's history, re-arm the idle timer. Both explicit
// switches and side-effect switches (deletion, creation) come through
// here so the two can never diverge.
func (o *Orchestrator) activate(ctx context.Context, id string) error {
	o.flights.Cancel()

	msgs, err := o.client.FetchHistory(ctx, id)
	if err != nil {
		if errors.Is(err, transport.ErrAuthExpired) {
			o.events.AuthExpired()
			return err
		}
		if o.mirror == nil {
			return err
		}
		logger.L.Warn("history fetch failed; showing local mirror", "session", id, "error", err)
		msgs = o.mirror.List(id)
	}

	o.mu.Lock()
	sess := o.registry.Get(id)
	if sess == nil || o.registry.ActiveID() != id {
		// The session vanished or the user moved on while history loaded.
		o.mu.Unlock()
		return nil
	}
	sess.Thread.Replace(msgs)
	o.mu.Unlock()

	o.survey.Arm(id)
	o.events.ThreadChanged(id)
	return nil
}

// onIdle runs on the timer goroutine after the quiet period.
func (o *Orchestrator) onIdle(sessionID string) {
	o.mu.Lock()
	active := o.registry.ActiveID()
	o.mu.Unlock()
	if active != sessionID {
		return
	}
	o.promptSurvey(context.Background(), sessionID)
}

func (o *Orchestrator) promptSurvey(ctx context.Context, sessionID string) {
	exists, err := o.client.SurveyExists(ctx, sessionID)
	if err != nil {
		logger.L.Warn("survey existence check failed", "session", sessionID, "error", err)
	} else if exists {
		logger.L.Debug("session already surveyed", "session", sessionID)
		return
	}

	contacts, err := o.client.FetchEscalationContacts(ctx, sessionID)
	if err != nil {
		logger.L.Warn("escalation contact lookup failed", "session", sessionID, "error", err)
		contacts = nil
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].Order < contacts[j].Order })

	o.events.SurveyRequested(sessionID, contacts)
}

// noteAuth surfaces a 401 to the UI exactly once per failing call.
func (o *Orchestrator) noteAuth(err error) error {
	if errors.Is(err, transport.ErrAuthExpired) {
		o.events.AuthExpired()
	}
	return err
}
