// Package policy implements the messaging-session policy: the 24-hour
// free-form window opened by a customer's inbound message, and the
// STOP/START consent state. All functions are pure; they take a
// conversation value and return a new one instead of mutating shared state.
package policy

import (
	"time"

	"github.com/pcoelho/wasim/internal/store"
)

// DenyReason explains why a free-form send was refused. Denials are normal
// negative results, not errors.
type DenyReason string

const (
	ReasonNone          DenyReason = ""
	ReasonBlocked       DenyReason = "blocked"
	ReasonNoInbound     DenyReason = "no_inbound"
	ReasonWindowExpired DenyReason = "window_expired"
	ReasonOptedOut      DenyReason = "opted_out"
)

// Engine evaluates the session window and consent rules.
type Engine struct {
	window            time.Duration
	startResubscribes bool
}

// NewEngine creates a policy engine. window is the free-form messaging
// window after the last inbound message (24h per WhatsApp Business policy);
// startResubscribes controls whether START is accepted as a no-op when the
// conversation is not opted out.
func NewEngine(window time.Duration, startResubscribes bool) *Engine {
	return &Engine{window: window, startResubscribes: startResubscribes}
}

// WithinSessionWindow reports whether the conversation's free-form window is
// open at the given instant. A conversation with no inbound history has no
// window open.
func (e *Engine) WithinSessionWindow(c store.Conversation, now time.Time) bool {
	if c.LastInboundAt == 0 {
		return false
	}
	return now.UnixMilli()-c.LastInboundAt <= e.window.Milliseconds()
}

// CanSendFreeForm reports whether an outbound free-form (non-template)
// message is allowed, and the reason when it is not. Template messages
// bypass this check entirely.
func (e *Engine) CanSendFreeForm(c store.Conversation, now time.Time) (bool, DenyReason) {
	if c.Blocked {
		return false, ReasonBlocked
	}
	if c.OptInState == store.OptedOut {
		return false, ReasonOptedOut
	}
	if c.LastInboundAt == 0 {
		return false, ReasonNoInbound
	}
	if !e.WithinSessionWindow(c, now) {
		return false, ReasonWindowExpired
	}
	if c.OptInState != store.OptedIn {
		return false, ReasonOptedOut
	}
	return true, ReasonNone
}

// RecordInbound returns the conversation as it stands after a customer
// message at the given instant: the session window reopens and a pending
// conversation becomes opted in.
func RecordInbound(c store.Conversation, now time.Time) store.Conversation {
	c.LastInboundAt = now.UnixMilli()
	if c.OptInState == store.OptPending {
		c.OptInState = store.OptedIn
	}
	return c
}
