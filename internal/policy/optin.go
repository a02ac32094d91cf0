package policy

import (
	"slices"
	"strings"

	"github.com/pcoelho/wasim/internal/store"
)

// Command is a compliance keyword recognized in an inbound message body.
type Command int

const (
	// CmdNone means the body is an ordinary message.
	CmdNone Command = iota
	// CmdOptOut suspends outbound free-form messaging (STOP and friends).
	CmdOptOut
	// CmdOptIn resumes messaging after an opt-out (START).
	CmdOptIn
)

var optOutKeywords = []string{"STOP", "UNSUBSCRIBE", "CANCEL", "STOPPROMOTION"}

// validOptTransitions defines the legal consent moves. pending -> opted_out
// is deliberately absent: opting out requires having been opted in first.
var validOptTransitions = map[store.OptInState][]store.OptInState{
	store.OptPending: {store.OptedIn},
	store.OptedIn:    {store.OptedOut},
	store.OptedOut:   {store.OptedIn},
}

// Classify recognizes compliance keywords in an inbound body,
// case-insensitive and ignoring surrounding whitespace.
func Classify(body string) Command {
	keyword := strings.ToUpper(strings.TrimSpace(body))
	if slices.Contains(optOutKeywords, keyword) {
		return CmdOptOut
	}
	if keyword == "START" {
		return CmdOptIn
	}
	return CmdNone
}

// Apply returns the conversation after the command, and whether anything
// changed. Re-applying a command the conversation already honors is a no-op,
// so STOP twice equals STOP once. Illegal moves (per validOptTransitions)
// are also silent no-ops; compliance handling never produces errors.
func (e *Engine) Apply(c store.Conversation, cmd Command) (store.Conversation, bool) {
	var target store.OptInState
	switch cmd {
	case CmdOptOut:
		target = store.OptedOut
	case CmdOptIn:
		if c.OptInState != store.OptedOut && !e.startResubscribes {
			return c, false
		}
		target = store.OptedIn
	default:
		return c, false
	}

	if c.OptInState == target {
		return c, false
	}
	if !slices.Contains(validOptTransitions[c.OptInState], target) {
		return c, false
	}
	c.OptInState = target
	return c, true
}
