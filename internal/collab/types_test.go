package collab

import "testing"

func TestConnectionStatusTransitions(t *testing.T) {
	allowed := map[ConnectionStatus][]ConnectionStatus{
		StatusDisconnected: {StatusConnecting},
		StatusConnecting:   {StatusConnected, StatusDisconnected},
		StatusConnected:    {StatusReconnecting, StatusDisconnected},
		StatusReconnecting: {StatusConnected, StatusDisconnected},
	}
	all := []ConnectionStatus{StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %t, want %t", from, to, got, want)
			}
		}
	}
}

func TestConnectionStatusRejectsUnknown(t *testing.T) {
	if ConnectionStatus("zombie").CanTransition(StatusConnected) {
		t.Error("unknown source status must not transition")
	}
	if StatusConnected.CanTransition(ConnectionStatus("zombie")) {
		t.Error("unknown target status must not be reachable")
	}
	if StatusConnected.CanTransition(StatusConnected) {
		t.Error("self transition must be rejected")
	}
}

func TestConflictStatusTerminal(t *testing.T) {
	if ConflictPending.Terminal() {
		t.Error("pending must not be terminal")
	}
	for _, s := range []ConflictStatus{ConflictAccepted, ConflictRejected, ConflictMerged} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}
