package browserchat

import "testing"

func TestKeepaliveNeverPenalized(t *testing.T) {
	st := State{Mode: ModeBestEffortStream}
	for i := 0; i < 1000; i++ {
		st = Transition(st, SignalKeepalive, 5)
	}
	if st.Mode != ModeBestEffortStream {
		t.Fatalf("mode changed after keepalives: %s", st.Mode)
	}
	if st.ConsecutiveNonStream != 0 {
		t.Fatalf("keepalives incremented non-stream counter to %d", st.ConsecutiveNonStream)
	}
}

func TestKeepaliveInterleavedWithNonStream(t *testing.T) {
	st := State{Mode: ModeBestEffortStream}
	// keepalives do not reset the counter either; only a payload does
	st = Transition(st, SignalNonStream, 5)
	st = Transition(st, SignalKeepalive, 5)
	st = Transition(st, SignalNonStream, 5)
	if st.ConsecutiveNonStream != 2 {
		t.Fatalf("counter %d want 2", st.ConsecutiveNonStream)
	}
	st = Transition(st, SignalStreamPayload, 5)
	if st.ConsecutiveNonStream != 0 {
		t.Fatalf("payload did not reset counter: %d", st.ConsecutiveNonStream)
	}
}

func TestDowngradeAfterThresholdExactlyOnce(t *testing.T) {
	const threshold = 3
	st := State{Mode: ModeBestEffortStream}
	for i := 0; i < threshold; i++ {
		st = Transition(st, SignalNonStream, threshold)
		if st.Mode != ModeBestEffortStream {
			t.Fatalf("downgraded at %d, threshold is %d", i+1, threshold)
		}
	}
	st = Transition(st, SignalNonStream, threshold)
	if st.Mode != ModeFallbackObserved {
		t.Fatalf("mode %s after exceeding threshold", st.Mode)
	}

	// idempotent re-entry: no signal returns the adapter to the stream
	for _, sig := range []Signal{SignalStreamPayload, SignalKeepalive, SignalNonStream, SignalQuiet} {
		if next := Transition(st, sig, threshold); next.Mode != ModeFallbackObserved {
			t.Fatalf("signal %s moved fallback to %s", sig, next.Mode)
		}
	}
}

func TestQuietStreamDowngrades(t *testing.T) {
	st := Transition(State{Mode: ModeBestEffortStream}, SignalQuiet, 5)
	if st.Mode != ModeFallbackObserved {
		t.Fatalf("quiet signal left mode %s", st.Mode)
	}
}

func TestObserverLostDisablesTerminally(t *testing.T) {
	st := Transition(State{Mode: ModeFallbackObserved}, SignalObserverLost, 5)
	if st.Mode != ModeDisabled {
		t.Fatalf("mode %s want DISABLED", st.Mode)
	}
	for _, sig := range []Signal{SignalStreamPayload, SignalKeepalive, SignalNonStream, SignalQuiet, SignalObserverLost} {
		if next := Transition(st, sig, 5); next.Mode != ModeDisabled {
			t.Fatalf("signal %s escaped DISABLED to %s", sig, next.Mode)
		}
	}
}
