package conversation

import (
	"fmt"
	"sync"
	"time"
)

// State is the conversation phase. Listening and Speaking are mutually
// exclusive by construction: the machine is in exactly one state.
type State string

const (
	StateIdle          State = "idle"
	StateListening     State = "listening"
	StateSending       State = "sending"
	StateAwaitingReply State = "awaiting_reply"
	StateSpeaking      State = "speaking"
)

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// InvalidTransitionError reports a transition the machine does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// stateMachine validates conversation phase transitions. A transition to
// Idle is always allowed so stop can fire from anywhere.
type stateMachine struct {
	mu       sync.RWMutex
	current  State
	listener func(StateChange)
}

func newStateMachine(listener func(StateChange)) *stateMachine {
	return &stateMachine{current: StateIdle, listener: listener}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

var validTransitions = map[State][]State{
	StateIdle:          {StateListening, StateSending},
	StateListening:     {StateSending},
	StateSending:       {StateAwaitingReply, StateListening},
	StateAwaitingReply: {StateSpeaking, StateListening, StateSending},
	StateSpeaking:      {StateListening, StateSending},
}

func transitionValid(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation. Self transitions are
// no-ops.
func (m *stateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	if !transitionValid(m.current, to) {
		err := &InvalidTransitionError{From: m.current, To: to}
		m.mu.Unlock()
		return err
	}
	change := StateChange{
		From:      m.current,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.current = to
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener(change)
	}
	return nil
}
