package conn

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roteiro/chatsync/internal/bus"
	"github.com/roteiro/chatsync/internal/chat"
)

// State represents a connection's lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions. Every state may move
// to Disconnected because a caller-issued disconnect forces it.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Failed, Disconnected},
	Failed:       {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces one connection's state transitions, publishing
// a conn.state_changed event for each one.
type Machine struct {
	mu           sync.RWMutex
	current      State
	conversation chat.ConversationID
	bus          *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Bind associates the machine with a conversation for event attribution.
func (m *Machine) Bind(id chat.ConversationID) {
	m.mu.Lock()
	m.conversation = id
	m.mu.Unlock()
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed; the no-op transition to the current state is
// allowed and publishes nothing.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnState,
			Timestamp: time.Now(),
			Payload: StateChange{
				ConversationID: m.conversation,
				From:           from,
				To:             to,
			},
		})
	}
	return nil
}

// StateChange is the payload for conn.state_changed events.
type StateChange struct {
	ConversationID chat.ConversationID
	From           State
	To             State
}
