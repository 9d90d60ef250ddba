package relay

// State of the shared upstream connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// stateMachine holds the upstream state. It is not synchronized; Relay guards it with its
// own mutex.
type stateMachine struct {
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateDisconnected}
}

func (s *stateMachine) current() State {
	return s.state
}

// beginConnect is only valid from disconnected.
func (s *stateMachine) beginConnect() bool {
	if s.state != StateDisconnected {
		return false
	}
	s.state = StateConnecting
	return true
}

// markConnected is only valid from connecting.
func (s *stateMachine) markConnected() bool {
	if s.state != StateConnecting {
		return false
	}
	s.state = StateConnected
	return true
}

// markDisconnected is valid from any state.
func (s *stateMachine) markDisconnected() {
	s.state = StateDisconnected
}
