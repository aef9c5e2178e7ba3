package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/chatsync/chatsync/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Ready    State = "READY"
	Draining State = "DRAINING"
	Stopped  State = "STOPPED"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Ready, Error},
	Ready:    {Draining, Error},
	Draining: {Stopped, Error},
	Stopped:  {},
	Error:    {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Serving reports whether the daemon accepts requests.
func (m *Machine) Serving() bool {
	return m.Current() == Ready
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
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
		m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
