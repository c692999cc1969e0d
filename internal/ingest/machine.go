package ingest

// serverState is the accept loop state. There is no terminal state: the
// loop ends only when the listener shuts down.
type serverState uint8

const (
	// stateAccept waits for a connection and runs the TLS handshake.
	stateAccept serverState = iota
	// stateDispatch hands the secured connection to a worker.
	stateDispatch
)

func (s serverState) String() string {
	switch s {
	case stateAccept:
		return "accept"
	case stateDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

type loopEvent uint8

const (
	evAcceptFailed loopEvent = iota
	evHandshakeFailed
	evHandshakeOK
	evDispatched
)

func transition(s serverState, ev loopEvent) serverState {
	switch {
	case s == stateAccept && ev == evHandshakeOK:
		return stateDispatch
	case s == stateDispatch && ev == evDispatched:
		return stateAccept
	default:
		// failures keep accepting; anything unexpected falls back to accept
		return stateAccept
	}
}
