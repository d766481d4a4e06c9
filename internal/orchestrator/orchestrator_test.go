package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guyuedumingx/chatSpace/internal/message"
	"github.com/guyuedumingx/chatSpace/internal/transport"
)

// mockTransport mirrors transport.Client; unset funcs get benign defaults.
type mockTransport struct {
	ListSessionsFn  func(ctx context.Context, orgID string) ([]transport.Session, error)
	CreateSessionFn func(ctx context.Context, label, orgID string) (transport.Session, error)
	DeleteSessionFn func(ctx context.Context, id string) error
	FetchHistoryFn  func(ctx context.Context, sessionID string) ([]message.Message, error)
	AppendFn        func(ctx context.Context, sessionID, text string) (message.Message, error)
	HotTopicsFn     func(ctx context.Context) ([]transport.Prompt, error)
	ContactsFn      func(ctx context.Context, sessionID string) ([]transport.EscalationContact, error)
	SubmitSurveyFn  func(ctx context.Context, survey transport.Survey) error
	SurveyExistsFn  func(ctx context.Context, sessionID string) (bool, error)

	mu           sync.Mutex
	historyCalls []string
}

func (m *mockTransport) ListSessions(ctx context.Context, orgID string) ([]transport.Session, error) {
	if m.ListSessionsFn != nil {
		return m.ListSessionsFn(ctx, orgID)
	}
	return nil, nil
}

func (m *mockTransport) CreateSession(ctx context.Context, label, orgID string) (transport.Session, error) {
	if m.CreateSessionFn != nil {
		return m.CreateSessionFn(ctx, label, orgID)
	}
	return transport.Session{ID: "created-" + label, Label: label, OrganizationID: orgID}, nil
}

func (m *mockTransport) DeleteSession(ctx context.Context, id string) error {
	if m.DeleteSessionFn != nil {
		return m.DeleteSessionFn(ctx, id)
	}
	return nil
}

func (m *mockTransport) FetchHistory(ctx context.Context, sessionID string) ([]message.Message, error) {
	m.mu.Lock()
	m.historyCalls = append(m.historyCalls, sessionID)
	m.mu.Unlock()
	if m.FetchHistoryFn != nil {
		return m.FetchHistoryFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockTransport) AppendUserMessage(ctx context.Context, sessionID, text string) (message.Message, error) {
	if m.AppendFn != nil {
		return m.AppendFn(ctx, sessionID, text)
	}
	return message.Normalize(message.Raw{ID: "a-" + sessionID, Role: "assistant", Content: "回复: " + text}), nil
}

func (m *mockTransport) FetchHotTopics(ctx context.Context) ([]transport.Prompt, error) {
	if m.HotTopicsFn != nil {
		return m.HotTopicsFn(ctx)
	}
	return nil, nil
}

func (m *mockTransport) FetchEscalationContacts(ctx context.Context, sessionID string) ([]transport.EscalationContact, error) {
	if m.ContactsFn != nil {
		return m.ContactsFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockTransport) SubmitSurvey(ctx context.Context, survey transport.Survey) error {
	if m.SubmitSurveyFn != nil {
		return m.SubmitSurveyFn(ctx, survey)
	}
	return nil
}

func (m *mockTransport) SurveyExists(ctx context.Context, sessionID string) (bool, error) {
	if m.SurveyExistsFn != nil {
		return m.SurveyExistsFn(ctx, sessionID)
	}
	return false, nil
}

func (m *mockTransport) HistoryCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.historyCalls))
	copy(out, m.historyCalls)
	return out
}

type surveyPrompt struct {
	sessionID string
	contacts  []transport.EscalationContact
}

// recorder implements Events for assertions.
type recorder struct {
	surveys chan surveyPrompt

	mu      sync.Mutex
	expired bool
}

func newRecorder() *recorder {
	return &recorder{surveys: make(chan surveyPrompt, 8)}
}

func (r *recorder) SessionsChanged()     {}
func (r *recorder) ThreadChanged(string) {}
func (r *recorder) SurveyRequested(id string, contacts []transport.EscalationContact) {
	r.surveys <- surveyPrompt{sessionID: id, contacts: contacts}
}
func (r *recorder) AuthExpired() {
	r.mu.Lock()
	r.expired = true
	r.mu.Unlock()
}

func (r *recorder) Expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired
}

func sessionsPayload(ids ...string) []transport.Session {
	out := make([]transport.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, transport.Session{ID: id, Label: "会话 " + id, OrganizationID: "org-1"})
	}
	return out
}

// newOrch bootstraps an orchestrator over the mock with the given sessions
// (most recent first) and a timer long enough to stay silent.
func newOrch(t *testing.T, mock *mockTransport, rec *recorder, ids ...string) *Orchestrator {
	t.Helper()
	if mock.ListSessionsFn == nil {
		mock.ListSessionsFn = func(ctx context.Context, orgID string) ([]transport.Session, error) {
			return sessionsPayload(ids...), nil
		}
	}
	o := New(mock, "org-1", time.Hour, nil, rec)
	require.NoError(t, o.Bootstrap(context.Background()))
	return o
}

func pendingCount(o *Orchestrator) int {
	n := 0
	for _, s := range o.Sessions() {
		for _, m := range s.Thread.Messages() {
			if m.Status == message.StatusPending {
				n++
			}
		}
	}
	return n
}

func TestBootstrapActivatesFirstSession(t *testing.T) {
	mock := &mockTransport{
		FetchHistoryFn: func(ctx context.Context, id string) ([]message.Message, error) {
			return []message.Message{
				{ID: "u1", Role: message.RoleUser, Content: "旧问题", Status: message.StatusSuccess},
				{ID: "a1", Role: message.RoleAssistant, Content: "旧回复", Status: message.StatusSuccess},
			}, nil
		},
		HotTopicsFn: func(ctx context.Context) ([]transport.Prompt, error) {
			return []transport.Prompt{{Key: "t1", Description: "如何开户"}}, nil
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1", "s2")

	require.Equal(t, "s1", o.ActiveID())
	require.Equal(t, []string{"s1"}, mock.HistoryCalls(), "only the active session's history loads at start")

	sessions := o.Sessions()
	require.Equal(t, "s1", sessions[0].ID, "server order preserved, most recent first")
	require.Equal(t, "s2", sessions[1].ID)

	msgs := o.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].ID)
	require.Len(t, o.HotTopics(), 1)
}

func TestSubmitEmptyTextNeverReachesTransport(t *testing.T) {
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			t.Fatal("transport must not be called for empty text")
			return message.Message{}, nil
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1")

	require.ErrorIs(t, o.Submit(context.Background(), ""), ErrEmptyMessage)
	require.ErrorIs(t, o.Submit(context.Background(), "   \t\n"), ErrEmptyMessage)
	require.Empty(t, o.ActiveMessages(), "no pending message may be created")
}

func TestSubmitAppendsPendingBeforeNetworkCall(t *testing.T) {
	var observed message.Status
	mock := &mockTransport{}
	var o *Orchestrator
	mock.AppendFn = func(ctx context.Context, sessionID, text string) (message.Message, error) {
		msgs := o.ActiveMessages()
		observed = msgs[len(msgs)-1].Status
		return message.Normalize(message.Raw{ID: "a1", Role: "assistant", Content: "回复"}), nil
	}
	o = newOrch(t, mock, newRecorder(), "s1")

	require.NoError(t, o.Submit(context.Background(), "hello"))
	require.Equal(t, message.StatusPending, observed, "pending appended synchronously before the call")

	msgs := o.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, message.StatusSuccess, msgs[0].Status)
	require.Equal(t, message.RoleAssistant, msgs[1].Role)
	require.Equal(t, "a1", msgs[1].ID, "reply appended directly after the user turn")
}

func TestSubmitFailureMarksPendingError(t *testing.T) {
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			return message.Message{}, &transport.Error{Status: 500, Body: "boom"}
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1")

	err := o.Submit(context.Background(), "hello")
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)

	msgs := o.ActiveMessages()
	require.Len(t, msgs, 1, "no assistant message on failure")
	require.Equal(t, message.StatusError, msgs[0].Status)
	require.Equal(t, "hello", msgs[0].Content, "typed text stays visible")
	require.False(t, o.Busy(), "failed send releases the in-flight slot")
}

func TestSecondSubmitWhileInFlightIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			close(started)
			<-release
			return message.Normalize(message.Raw{ID: "a1", Role: "assistant", Content: "回复"}), nil
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1")

	done := make(chan error, 1)
	go func() { done <- o.Submit(context.Background(), "first") }()
	<-started

	require.ErrorIs(t, o.Submit(context.Background(), "second"), ErrBusy)
	require.Equal(t, 1, pendingCount(o), "rejected submit must not enqueue")

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 0, pendingCount(o))
}

func TestSwitchCancelsOutstandingRequest(t *testing.T) {
	started := make(chan struct{})
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			close(started)
			<-ctx.Done()
			return message.Message{}, ctx.Err()
		},
		FetchHistoryFn: func(ctx context.Context, id string) ([]message.Message, error) {
			if id == "s2" {
				return []message.Message{{ID: "h1", Role: message.RoleUser, Content: "b history", Status: message.StatusSuccess}}, nil
			}
			return nil, nil
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1", "s2")

	done := make(chan error, 1)
	go func() { done <- o.Submit(context.Background(), "question for s1") }()
	<-started

	require.NoError(t, o.SwitchSession(context.Background(), "s2"))
	require.ErrorIs(t, <-done, ErrCancelled)

	require.Equal(t, "s2", o.ActiveID())
	msgs := o.ActiveMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, "h1", msgs[0].ID, "the cancelled send must not touch the new session")

	var s1 []message.Message
	for _, s := range o.Sessions() {
		if s.ID == "s1" {
			s1 = s.Thread.Messages()
		}
	}
	require.Len(t, s1, 1)
	require.Equal(t, message.StatusError, s1[0].Status, "aborted pending renders as error")
	require.Equal(t, 0, pendingCount(o))
}

func TestLateReplyAfterSwitchIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			close(started)
			// Resolve successfully even though the request was superseded,
			// simulating a response that was already on the wire.
			<-release
			return message.Normalize(message.Raw{ID: "late", Role: "assistant", Content: "too late"}), nil
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1", "s2")

	done := make(chan error, 1)
	go func() { done <- o.Submit(context.Background(), "question") }()
	<-started

	require.NoError(t, o.SwitchSession(context.Background(), "s2"))
	close(release)
	require.ErrorIs(t, <-done, ErrCancelled)

	require.Empty(t, o.ActiveMessages(), "late reply must not reach the now-active session")
	for _, s := range o.Sessions() {
		for _, m := range s.Thread.Messages() {
			require.NotEqual(t, "late", m.ID, "late reply must be discarded everywhere")
		}
	}
}

func TestExplicitCancelMarksAborted(t *testing.T) {
	started := make(chan struct{})
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			close(started)
			<-ctx.Done()
			return message.Message{}, ctx.Err()
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1")

	done := make(chan error, 1)
	go func() { done <- o.Submit(context.Background(), "question") }()
	<-started

	o.CancelCurrent()
	o.CancelCurrent() // idempotent
	require.ErrorIs(t, <-done, ErrCancelled)

	msgs := o.ActiveMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, message.StatusError, msgs[0].Status)
	require.False(t, o.Busy())
}

func TestDeleteActiveSessionUsesSwitchPath(t *testing.T) {
	mock := &mockTransport{}
	o := newOrch(t, mock, newRecorder(), "s1", "s2", "s3")
	require.Equal(t, []string{"s1"}, mock.HistoryCalls())

	require.NoError(t, o.DeleteSession(context.Background(), "s1"))

	require.Equal(t, "s2", o.ActiveID(), "first remaining session becomes active")
	require.Equal(t, []string{"s1", "s2"}, mock.HistoryCalls(),
		"deleting the active session drives the same history-load path as a switch")
}

func TestDeleteInactiveSessionKeepsActive(t *testing.T) {
	mock := &mockTransport{}
	o := newOrch(t, mock, newRecorder(), "s1", "s2")

	require.NoError(t, o.DeleteSession(context.Background(), "s2"))
	require.Equal(t, "s1", o.ActiveID())
	require.Equal(t, []string{"s1"}, mock.HistoryCalls(), "no history reload for inactive deletion")
}

func TestDeleteLastSessionLeavesNoneActive(t *testing.T) {
	mock := &mockTransport{}
	o := newOrch(t, mock, newRecorder(), "s1")

	require.NoError(t, o.DeleteSession(context.Background(), "s1"))
	require.Equal(t, "", o.ActiveID())
	require.Nil(t, o.ActiveMessages())
}

func TestCreateSessionActivatesIt(t *testing.T) {
	mock := &mockTransport{
		CreateSessionFn: func(ctx context.Context, label, orgID string) (transport.Session, error) {
			require.Equal(t, "org-1", orgID)
			return transport.Session{ID: "s-new", Label: label, OrganizationID: orgID}, nil
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1")

	id, err := o.CreateSession(context.Background(), "新建咨询会话")
	require.NoError(t, err)
	require.Equal(t, "s-new", id)
	require.Equal(t, "s-new", o.ActiveID())
	require.Equal(t, "s-new", o.Sessions()[0].ID, "new session front-inserted")
}

func TestSwitchToActiveSessionIsNoop(t *testing.T) {
	mock := &mockTransport{}
	o := newOrch(t, mock, newRecorder(), "s1", "s2")

	require.NoError(t, o.SwitchSession(context.Background(), "s1"))
	require.Equal(t, []string{"s1"}, mock.HistoryCalls(), "no duplicate history fetch")
}

func TestSwitchToUnknownSessionRejected(t *testing.T) {
	mock := &mockTransport{}
	o := newOrch(t, mock, newRecorder(), "s1")

	err := o.SwitchSession(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, "s1", o.ActiveID())
}

func TestIdleTimerFiresSurveyWithSortedContacts(t *testing.T) {
	rec := newRecorder()
	mock := &mockTransport{
		ListSessionsFn: func(ctx context.Context, orgID string) ([]transport.Session, error) {
			return sessionsPayload("s1"), nil
		},
		ContactsFn: func(ctx context.Context, sessionID string) ([]transport.EscalationContact, error) {
			return []transport.EscalationContact{
				{Name: "张三", Phone: "010-1", Order: 2},
				{Name: "李四", Phone: "010-2", Order: 1},
			}, nil
		},
	}
	o := New(mock, "org-1", 40*time.Millisecond, nil, rec)
	require.NoError(t, o.Bootstrap(context.Background()))

	select {
	case prompt := <-rec.surveys:
		require.Equal(t, "s1", prompt.sessionID)
		require.Equal(t, "李四", prompt.contacts[0].Name, "contacts sorted by order ascending")
	case <-time.After(2 * time.Second):
		t.Fatal("idle survey did not fire")
	}

	select {
	case <-rec.surveys:
		t.Fatal("idle survey fired more than once")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestSuccessfulSendResetsIdleTimer(t *testing.T) {
	rec := newRecorder()
	mock := &mockTransport{
		ListSessionsFn: func(ctx context.Context, orgID string) ([]transport.Session, error) {
			return sessionsPayload("s1"), nil
		},
	}
	o := New(mock, "org-1", 150*time.Millisecond, nil, rec)
	require.NoError(t, o.Bootstrap(context.Background()))

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, o.Submit(context.Background(), "hello"))

	select {
	case <-rec.surveys:
		t.Fatal("survey fired before the reset quiet period elapsed")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case prompt := <-rec.surveys:
		require.Equal(t, "s1", prompt.sessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("survey did not fire after reset")
	}
}

func TestIdleTimerResetsWhenSendStarts(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	started := make(chan struct{})
	mock := &mockTransport{
		ListSessionsFn: func(ctx context.Context, orgID string) ([]transport.Session, error) {
			return sessionsPayload("s1"), nil
		},
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			close(started)
			<-release
			return message.Normalize(message.Raw{ID: "a1", Role: "assistant", Content: "回复"}), nil
		},
	}
	o := New(mock, "org-1", 200*time.Millisecond, nil, rec)
	require.NoError(t, o.Bootstrap(context.Background()))

	time.Sleep(100 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- o.Submit(context.Background(), "hello") }()
	<-started

	select {
	case prompt := <-rec.surveys:
		t.Fatalf("survey fired for %q while the send was outstanding", prompt.sessionID)
	case <-time.After(150 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	select {
	case prompt := <-rec.surveys:
		require.Equal(t, "s1", prompt.sessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("survey did not fire after the exchange went quiet")
	}
}

func TestFailedSendResetsIdleTimer(t *testing.T) {
	rec := newRecorder()
	mock := &mockTransport{
		ListSessionsFn: func(ctx context.Context, orgID string) ([]transport.Session, error) {
			return sessionsPayload("s1"), nil
		},
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			return message.Message{}, &transport.Error{Status: 500, Body: "boom"}
		},
	}
	o := New(mock, "org-1", 150*time.Millisecond, nil, rec)
	require.NoError(t, o.Bootstrap(context.Background()))

	time.Sleep(80 * time.Millisecond)
	require.Error(t, o.Submit(context.Background(), "hello"))

	select {
	case <-rec.surveys:
		t.Fatal("failed send must still count as activity")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case prompt := <-rec.surveys:
		require.Equal(t, "s1", prompt.sessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("survey did not fire after the failed send went quiet")
	}
}

func TestShowSurveyNowFiresImmediatelyAndDisarms(t *testing.T) {
	rec := newRecorder()
	mock := &mockTransport{
		ListSessionsFn: func(ctx context.Context, orgID string) ([]transport.Session, error) {
			return sessionsPayload("s1"), nil
		},
	}
	o := New(mock, "org-1", 60*time.Millisecond, nil, rec)
	require.NoError(t, o.Bootstrap(context.Background()))

	require.NoError(t, o.ShowSurveyNow(context.Background()))

	select {
	case prompt := <-rec.surveys:
		require.Equal(t, "s1", prompt.sessionID)
	case <-time.After(time.Second):
		t.Fatal("explicit end-conversation did not surface the survey")
	}

	select {
	case <-rec.surveys:
		t.Fatal("disarmed idle timer fired after explicit survey")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSurveySkippedWhenAlreadySubmitted(t *testing.T) {
	rec := newRecorder()
	mock := &mockTransport{
		SurveyExistsFn: func(ctx context.Context, sessionID string) (bool, error) {
			return true, nil
		},
	}
	o := newOrch(t, mock, rec, "s1")

	require.NoError(t, o.ShowSurveyNow(context.Background()))
	select {
	case <-rec.surveys:
		t.Fatal("already-surveyed session prompted again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitSurvey(t *testing.T) {
	var recorded transport.Survey
	mock := &mockTransport{
		SubmitSurveyFn: func(ctx context.Context, survey transport.Survey) error {
			recorded = survey
			return nil
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1")

	require.ErrorIs(t, o.SubmitSurvey(context.Background(), transport.Survey{Solved: "maybe"}), ErrInvalidSurvey)

	require.NoError(t, o.SubmitSurvey(context.Background(), transport.Survey{
		Solved:  transport.SurveySolvedNo,
		Comment: "希望加快响应",
	}))
	require.Equal(t, "s1", recorded.ChatID, "chat id defaults to the active session")
	require.Equal(t, transport.SurveySolvedNo, recorded.Solved)
}

func TestAuthExpiredSurfacesOnce(t *testing.T) {
	rec := newRecorder()
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			return message.Message{}, fmt.Errorf("POST /message_history: %w", transport.ErrAuthExpired)
		},
	}
	o := newOrch(t, mock, rec, "s1")

	err := o.Submit(context.Background(), "hello")
	require.True(t, errors.Is(err, transport.ErrAuthExpired))
	require.True(t, rec.Expired())

	msgs := o.ActiveMessages()
	require.Equal(t, message.StatusError, msgs[0].Status)
}

func TestAtMostOnePendingAcrossSessions(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	mock := &mockTransport{
		AppendFn: func(ctx context.Context, sessionID, text string) (message.Message, error) {
			started <- struct{}{}
			select {
			case <-release:
				return message.Normalize(message.Raw{ID: "a-" + sessionID, Role: "assistant", Content: "回复"}), nil
			case <-ctx.Done():
				return message.Message{}, ctx.Err()
			}
		},
	}
	o := newOrch(t, mock, newRecorder(), "s1", "s2")

	first := make(chan error, 1)
	go func() { first <- o.Submit(context.Background(), "to s1") }()
	<-started

	require.NoError(t, o.SwitchSession(context.Background(), "s2"))
	require.ErrorIs(t, <-first, ErrCancelled)

	second := make(chan error, 1)
	go func() { second <- o.Submit(context.Background(), "to s2") }()
	<-started

	require.Equal(t, 1, pendingCount(o), "at most one pending message system-wide")

	close(release)
	require.NoError(t, <-second)
	require.Equal(t, 0, pendingCount(o))
}
