package calls

import "testing"

func TestTransitionTable(t *testing.T) {
	allowed := map[CallState][]CallState{
		StateRinging:  {StateAccepted, StateRejected, StateCancelled, StateTimeout, StateEnded},
		StateAccepted: {StateEnded},
	}
	all := []CallState{StateRinging, StateAccepted, StateRejected, StateCancelled, StateTimeout, StateEnded}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []CallState{StateRejected, StateCancelled, StateTimeout, StateEnded} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []CallState{StateRinging, StateAccepted} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCallTypeValid(t *testing.T) {
	if !CallTypeAudio.Valid() || !CallTypeVideo.Valid() {
		t.Fatalf("audio/video must be valid")
	}
	if CallType("screen").Valid() {
		t.Fatalf("unknown type must be invalid")
	}
}

func TestSessionPeer(t *testing.T) {
	sess := CallSession{CallerID: "u1", CalleeID: "u2"}
	if sess.Peer("u1") != "u2" || sess.Peer("u2") != "u1" {
		t.Fatalf("peer lookup broken")
	}
	if sess.Peer("u3") != "" {
		t.Fatalf("non-participant must have no peer")
	}
	if sess.Participant("u3") {
		t.Fatalf("u3 is not a participant")
	}
}
