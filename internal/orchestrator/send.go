package orchestrator

import (
	"context"
	"strings"

	"github.com/qmuntal/stateless"

	"github.com/guyuedumingx/chatSpace/internal/logger"
	"github.com/guyuedumingx/chatSpace/internal/message"
)

// Send pipeline states
type sendState stateless.State

var (
	stateReady         sendState = "Ready"
	stateAwaitingReply sendState = "AwaitingReply"
	stateResolved      sendState = "Resolved" // terminal: reply applied
	stateFailed        sendState = "Failed"   // terminal: pending marked error
)

// Send pipeline triggers
type sendTrigger stateless.Trigger

var (
	triggerDispatch      sendTrigger = "Dispatch"
	triggerReplyReceived sendTrigger = "ReplyReceived"
	triggerSendFailed    sendTrigger = "SendFailed"
)

// Submit sends one user turn through the pipeline. The pending message is
// appended synchronously before the network call starts; a second Submit
// while one is in flight returns ErrBusy instead of queueing. A superseded
// or aborted send returns ErrCancelled after the pending bubble was marked
// error; any other failure leaves the pending message in error state and
// is returned without retrying.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	if o.flights.Busy() {
		o.mu.Unlock()
		return ErrBusy
	}
	sess := o.registry.Active()
	if sess == nil {
		o.mu.Unlock()
		return ErrNoActiveSession
	}
	pending := sess.Thread.AppendPending(text)
	// Begin cannot cancel a predecessor here: Busy was false above and
	// o.mu serializes submits.
	token := o.flights.Begin(ctx, func() {
		o.mu.Lock()
		sess.Thread.Fail(pending.ID)
		o.mu.Unlock()
		o.events.ThreadChanged(sess.ID)
	})
	o.mu.Unlock()
	// Sending is activity: the quiet period restarts now, not only on a
	// successful resolve, so a failed or slow exchange cannot leave the
	// survey firing mid-conversation.
	o.survey.Arm(sess.ID)
	o.events.ThreadChanged(sess.ID)

	type sendContext struct {
		reply   message.Message
		lastErr error
	}
	sc := &sendContext{}

	fsm := stateless.NewStateMachine(stateReady)

	fsm.Configure(stateReady).
		Permit(triggerDispatch, stateAwaitingReply)

	// State: AwaitingReply
	// Action: round trip through the transport under the cancellation
	// token. Transitions synchronously to Resolved or Failed.
	fsm.Configure(stateAwaitingReply).
		OnEntry(func(fctx context.Context, _ ...any) error {
			reply, err := o.client.AppendUserMessage(token.Context(), sess.ID, text)
			if err != nil {
				sc.lastErr = err
				return fsm.FireCtx(fctx, triggerSendFailed)
			}
			sc.reply = reply
			return fsm.FireCtx(fctx, triggerReplyReceived)
		}).
		Permit(triggerReplyReceived, stateResolved).
		Permit(triggerSendFailed, stateFailed)

	// State: Resolved (terminal)
	// Action: apply the reply unless the token went stale while the call
	// was outstanding; a late resolution must not touch state.
	fsm.Configure(stateResolved).
		OnEntry(func(context.Context, ...any) error {
			if token.Stale() {
				logger.L.Debug("discarding late reply for superseded request", "session", sess.ID)
				return nil
			}
			o.flights.Finish(token)

			o.mu.Lock()
			resolved := sess.Thread.Resolve(pending.ID, sc.reply)
			o.mu.Unlock()
			if !resolved {
				return nil
			}

			if o.mirror != nil {
				user := pending
				user.Status = message.StatusSuccess
				o.mirror.Save(sess.ID, user)
				o.mirror.Save(sess.ID, sc.reply)
			}
			o.survey.Arm(sess.ID)
			o.events.ThreadChanged(sess.ID)
			return nil
		})

	// State: Failed (terminal)
	// Action: mark the pending turn as errored. A stale token already had
	// its bubble failed by the cancellation callback.
	fsm.Configure(stateFailed).
		OnEntry(func(context.Context, ...any) error {
			if token.Stale() {
				return nil
			}
			o.flights.Finish(token)

			o.mu.Lock()
			sess.Thread.Fail(pending.ID)
			o.mu.Unlock()
			o.events.ThreadChanged(sess.ID)
			return nil
		})

	if err := fsm.FireCtx(ctx, triggerDispatch); err != nil {
		logger.L.Warn("send pipeline fire error", "error", err)
	}

	if token.Stale() {
		return ErrCancelled
	}
	if sc.lastErr != nil {
		return o.noteAuth(sc.lastErr)
	}
	return nil
}
