// Package idle arms the satisfaction-survey inactivity timer. One timer
// exists at a time, scoped to the active session; every send re-arms it
// and a session switch moves it to the new session.
package idle

import (
	"sync"
	"time"
)

// Trigger fires its callback once after the configured quiet period.
type Trigger struct {
	delay time.Duration
	fire  func(sessionID string)

	mu        sync.Mutex
	timer     *time.Timer
	sessionID string
}

// NewTrigger creates a disarmed trigger. fire runs on the timer goroutine
// with the session that was active when the timer was armed.
func NewTrigger(delay time.Duration, fire func(sessionID string)) *Trigger {
	return &Trigger{delay: delay, fire: fire}
}

// Arm starts (or restarts) the quiet-period timer for sessionID. Any
// previously armed timer is stopped first.
func (t *Trigger) Arm(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.sessionID = sessionID
	sid := sessionID
	var tm *time.Timer
	tm = time.AfterFunc(t.delay, func() {
		t.mu.Lock()
		// A re-arm or disarm may have raced the expiry; only fire if this
		// timer is still the armed one.
		if t.timer != tm {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.sessionID = ""
		t.mu.Unlock()
		t.fire(sid)
	})
	t.timer = tm
}

// Disarm stops the timer without firing.
func (t *Trigger) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Armed reports whether a timer is currently pending, and for which
// session.
func (t *Trigger) Armed() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID, t.timer != nil
}

func (t *Trigger) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.sessionID = ""
}
