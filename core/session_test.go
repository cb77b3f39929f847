package core

import "testing"

func TestSessionStateMachine(t *testing.T) {
	legal := []struct{ from, to SessionState }{
		{StateStarting, StateRunning},
		{StateStarting, StateTerminalFailure},
		{StateStarting, StateTerminated},
		{StateRunning, StateDegraded},
		{StateRunning, StateTerminated},
		{StateDegraded, StateRunning},
		{StateDegraded, StateLost},
		{StateDegraded, StateTerminated},
		{StateLost, StateRunning},
		{StateLost, StateTerminalFailure},
		{StateLost, StateTerminated},
	}
	for _, tr := range legal {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be legal", tr.from, tr.to)
		}
	}

	illegal := []struct{ from, to SessionState }{
		{StateStarting, StateDegraded},
		{StateStarting, StateLost},
		{StateRunning, StateLost},
		{StateRunning, StateRunning},
		{StateRunning, StateTerminalFailure},
		{StateDegraded, StateTerminalFailure},
		{StateTerminated, StateRunning},
		{StateTerminated, StateTerminated},
		{StateTerminalFailure, StateRunning},
		{StateTerminalFailure, StateTerminated},
	}
	for _, tr := range illegal {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be rejected", tr.from, tr.to)
		}
	}
}

func TestSessionStateTerminal(t *testing.T) {
	for _, s := range []SessionState{StateStarting, StateRunning, StateDegraded, StateLost} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []SessionState{StateTerminated, StateTerminalFailure} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestNewSession(t *testing.T) {
	a := NewSession(KindBrowser)
	b := NewSession(KindBrowser)
	if a.ID == b.ID {
		t.Fatal("session identifiers must never be reused")
	}
	if a.State != StateStarting {
		t.Fatalf("new session state = %s, want %s", a.State, StateStarting)
	}
	if a.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}

	clone := a.Clone()
	clone.State = StateRunning
	if a.State != StateStarting {
		t.Error("mutating a clone must not touch the original")
	}
}

func TestTransitionEvent(t *testing.T) {
	cases := []struct {
		from, to SessionState
		kind     EventKind
	}{
		{StateStarting, StateRunning, EventStarted},
		{StateDegraded, StateRunning, EventRecovered},
		{StateLost, StateRunning, EventRecovered},
		{StateRunning, StateDegraded, EventDegraded},
		{StateDegraded, StateLost, EventLost},
		{StateRunning, StateTerminated, EventTerminated},
		{StateLost, StateTerminalFailure, EventTerminalFailure},
		{StateStarting, StateTerminalFailure, EventTerminalFailure},
	}
	for _, c := range cases {
		kind, ok := TransitionEvent(c.from, c.to)
		if !ok || kind != c.kind {
			t.Errorf("TransitionEvent(%s, %s) = %s, %v; want %s", c.from, c.to, kind, ok, c.kind)
		}
	}
}
