// Package catchup owns the connection lifecycle state machine and the
// replay of missed events when a client reconnects with a cursor.
package catchup

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/chat"
)

// State represents a connection lifecycle state.
type State string

const (
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Disconnected State = "DISCONNECTED"
	Reconnecting State = "RECONNECTING"
	Abandoned    State = "ABANDONED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Connecting:   {Live, Disconnected, Abandoned},
	Live:         {Disconnected, Abandoned},
	Disconnected: {Reconnecting, Abandoned},
	Reconnecting: {Live, Disconnected, Abandoned},
	Abandoned:    {},
}

// Machine tracks and enforces one connection's lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	connID  chat.ConnectionID
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Connecting.
func NewMachine(connID chat.ConnectionID, b *bus.Bus) *Machine {
	return &Machine{
		connID:  connID,
		current: Connecting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindConnState, StateChange{
		ConnectionID: m.connID,
		From:         from,
		To:           to,
	})
	return nil
}

// StateChange is the payload for connection state change events.
type StateChange struct {
	ConnectionID chat.ConnectionID
	From         State
	To           State
}
