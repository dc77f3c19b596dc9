package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the connection state of the real-time transport.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:    bus.TransportStateChanged,
		Payload: StatusChange{From: from, To: to},
	})
	return nil
}

// TransitionIf moves from -> to only when the machine is currently in from.
// It reports whether the transition happened. Used where two goroutines race
// to record the same closure.
func (m *Machine) TransitionIf(from, to State) bool {
	m.mu.Lock()
	if m.current != from || !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return false
	}
	m.current = to
	m.mu.Unlock()
	m.bus.Publish(bus.Event{
		Kind:    bus.TransportStateChanged,
		Payload: StatusChange{From: from, To: to},
	})
	return true
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
