// Package transport models the simulated network link between the simulator
// and the fictional provider backbone. Outbound sends are parked in the
// offline outbox while the link is down and replayed in order when it comes
// back.
package transport

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pcoelho/wasim/internal/bus"
)

// State represents the simulated link state.
type State string

const (
	Online  State = "ONLINE"
	Offline State = "OFFLINE"
)

// validTransitions defines allowed state transitions. Self-transitions are
// rejected so each offline->online flip triggers exactly one outbox flush.
var validTransitions = map[State][]State{
	Online:  {Offline},
	Offline: {Online},
}

// ParseState converts an API-facing string ("online"/"offline") to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "online", "ONLINE":
		return Online, nil
	case "offline", "OFFLINE":
		return Offline, nil
	}
	return "", fmt.Errorf("unknown transport state %q", s)
}

// Machine tracks and enforces transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a transport machine starting in the given state.
func NewMachine(initial State, b *bus.Bus) *Machine {
	return &Machine{
		current: initial,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the link is up.
func (m *Machine) Online() bool {
	return m.Current() == Online
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid (including no-op self-transitions).
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindTransportChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for transport change events.
type StatusChange struct {
	From State
	To   State
}
