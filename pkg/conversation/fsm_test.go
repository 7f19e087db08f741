package conversation

import (
	"errors"
	"testing"
)

func TestTransitionHappyPath(t *testing.T) {
	m := newStateMachine(nil)
	steps := []State{StateListening, StateSending, StateAwaitingReply, StateSpeaking, StateListening}
	for _, s := range steps {
		if err := m.Transition(s, "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.State() != StateListening {
		t.Fatalf("expected listening, got %s", m.State())
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	m := newStateMachine(nil)
	if err := m.Transition(StateListening, "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	err := m.Transition(StateSpeaking, "test")
	if err == nil {
		t.Fatalf("expected listening -> speaking to fail")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if ite.From != StateListening || ite.To != StateSpeaking {
		t.Fatalf("unexpected error detail: %v", ite)
	}
	if m.State() != StateListening {
		t.Fatalf("failed transition moved state to %s", m.State())
	}
}

func TestTransitionToIdleAlwaysAllowed(t *testing.T) {
	for _, from := range []State{StateListening, StateSending, StateAwaitingReply, StateSpeaking} {
		m := &stateMachine{current: from}
		if err := m.Transition(StateIdle, "stop"); err != nil {
			t.Fatalf("%s -> idle: %v", from, err)
		}
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	var fired int
	m := newStateMachine(func(StateChange) { fired++ })
	if err := m.Transition(StateListening, "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Transition(StateListening, "again"); err != nil {
		t.Fatalf("self transition: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected one listener call, got %d", fired)
	}
}

func TestListenerReceivesChange(t *testing.T) {
	var got StateChange
	m := newStateMachine(func(c StateChange) { got = c })
	if err := m.Transition(StateListening, "wake phrase"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.From != StateIdle || got.To != StateListening || got.Reason != "wake phrase" {
		t.Fatalf("unexpected change: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}
