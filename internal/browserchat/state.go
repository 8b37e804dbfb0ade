package browserchat

// Mode is the active ingestion mechanism layered on the shared browser
// session. Downgrades are one-way: the adapter never returns to the stream
// path automatically.
type Mode int

const (
	ModeBestEffortStream Mode = iota
	ModeFallbackObserved
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeBestEffortStream:
		return "BEST_EFFORT_STREAM"
	case ModeFallbackObserved:
		return "FALLBACK_OBSERVED"
	case ModeDisabled:
		return "DISABLED"
	}
	return "UNKNOWN"
}

// Signal is one classified observation fed to the transition function.
type Signal int

const (
	// SignalStreamPayload: a valid stream response carrying chat data.
	SignalStreamPayload Signal = iota
	// SignalKeepalive: the recognized "not-ready" response class (empty
	// body, non-stream content type). Missing session materials produce
	// the same response, and the adapter cannot tell the two apart; both
	// are deliberately treated as keepalive, never as failure.
	SignalKeepalive
	// SignalNonStream: a response that is neither a valid stream payload
	// nor the recognized keepalive.
	SignalNonStream
	// SignalQuiet: the stream stayed silent past the quiet window.
	SignalQuiet
	// SignalObserverLost: no observation mechanism can be attached.
	SignalObserverLost
)

func (s Signal) String() string {
	switch s {
	case SignalStreamPayload:
		return "stream_payload"
	case SignalKeepalive:
		return "keepalive"
	case SignalNonStream:
		return "non_stream"
	case SignalQuiet:
		return "quiet"
	case SignalObserverLost:
		return "observer_lost"
	}
	return "unknown"
}

// State is the adapter's ingestion state. It is a plain value so the
// downgrade logic is testable without a session.
type State struct {
	Mode                 Mode
	ConsecutiveNonStream int
}

// Transition is the pure state transition function. Keepalives never touch
// the non-stream counter, downgrade to FALLBACK_OBSERVED happens exactly
// once (re-entry is idempotent), and DISABLED is terminal.
func Transition(s State, sig Signal, nonStreamThreshold int) State {
	if s.Mode == ModeDisabled {
		return s
	}

	if s.Mode == ModeFallbackObserved {
		if sig == SignalObserverLost {
			s.Mode = ModeDisabled
		}
		return s
	}

	switch sig {
	case SignalStreamPayload:
		s.ConsecutiveNonStream = 0
	case SignalKeepalive:
		// not-ready is expected; hold the mode and the counter
	case SignalNonStream:
		s.ConsecutiveNonStream++
		if s.ConsecutiveNonStream > nonStreamThreshold {
			s.Mode = ModeFallbackObserved
		}
	case SignalQuiet:
		s.Mode = ModeFallbackObserved
	case SignalObserverLost:
		s.Mode = ModeDisabled
	}
	return s
}
