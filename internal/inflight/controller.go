// Package inflight owns the single outstanding-request handle of the chat
// pipeline. At most one request is live system-wide, not per session:
// switching sessions while a request for the previous session is
// outstanding cancels that request too.
package inflight

import (
	"context"
	"sync"
)

// Token is the handle for one outstanding request. A superseded or
// explicitly cancelled token is stale; late resolutions against a stale
// token must be discarded by the caller instead of applied to state.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stale    bool
	onCancel func()
}

// Context carries the cancellation signal into the transport call.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Stale reports whether the token was superseded or cancelled.
func (t *Token) Stale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale
}

func (t *Token) markStale() {
	t.mu.Lock()
	already := t.stale
	t.stale = true
	onCancel := t.onCancel
	t.onCancel = nil
	t.mu.Unlock()

	t.cancel()
	if !already && onCancel != nil {
		onCancel()
	}
}

// Controller holds at most one live token.
type Controller struct {
	mu      sync.Mutex
	current *Token
}

// NewController returns a controller with no outstanding request.
func NewController() *Controller {
	return &Controller{}
}

// Begin starts a new outstanding request, cancelling any predecessor
// first. onCancel runs exactly once if the token is cancelled before
// Finish, so the owning pending message can be failed synchronously.
func (c *Controller) Begin(parent context.Context, onCancel func()) *Token {
	ctx, cancel := context.WithCancel(parent)
	token := &Token{ctx: ctx, cancel: cancel, onCancel: onCancel}

	c.mu.Lock()
	prev := c.current
	c.current = token
	c.mu.Unlock()

	if prev != nil {
		prev.markStale()
	}
	return token
}

// Cancel aborts the current request if one is outstanding. Idempotent.
func (c *Controller) Cancel() {
	c.mu.Lock()
	token := c.current
	c.current = nil
	c.mu.Unlock()

	if token != nil {
		token.markStale()
	}
}

// Finish releases the token after its request completed. A stale token is
// already released; finishing it is a no-op.
func (c *Controller) Finish(token *Token) {
	c.mu.Lock()
	if c.current == token {
		c.current = nil
	}
	c.mu.Unlock()
	token.cancel()
}

// Busy reports whether a request is outstanding.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}
