package status

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connected, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Disconnected},
		{Connected, Connecting},
		{Connected, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.TransportStateChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.TransportStateChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestTransitionIfOnlyOnce verifies that two closures racing to record the
// same disconnect produce exactly one transition.
func TestTransitionIfOnlyOnce(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	if !m.TransitionIf(Connected, Disconnected) {
		t.Fatal("first TransitionIf(CONNECTED -> DISCONNECTED) = false, want true")
	}
	if m.TransitionIf(Connected, Disconnected) {
		t.Error("second TransitionIf should report false")
	}
	if m.Current() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.Current())
	}
}

// TestReconnectCycle walks CONNECTED -> DISCONNECTED -> CONNECTING -> CONNECTED.
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Disconnected, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
