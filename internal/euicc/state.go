package euicc

import "github.com/pccr10001/euiccd/pkg/logger"

// State tracks the controller lifecycle from a closed transport to a ready
// logical channel.
type State int

const (
	StateUninitialized State = iota
	StateInitializeStarted
	StateUimStarted
	StateLogicalChannelPending
	StateLogicalChannelOpened
	StateSendApduReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializeStarted:
		return "InitializeStarted"
	case StateUimStarted:
		return "UimStarted"
	case StateLogicalChannelPending:
		return "LogicalChannelPending"
	case StateLogicalChannelOpened:
		return "LogicalChannelOpened"
	case StateSendApduReady:
		return "SendApduReady"
	default:
		return "Unknown"
	}
}

// CanSend reports whether non-APDU commands may be transmitted.
func (s State) CanSend() bool {
	return s == StateUimStarted || s == StateSendApduReady
}

// CanSendApdu reports whether APDU work may be transmitted.
func (s State) CanSendApdu() bool {
	return s == StateSendApduReady
}

// stateMachine guards every transition centrally. The lifecycle is linear
// with one back edge (SendApduReady to UimStarted, used for channel
// reacquisition); teardown to Uninitialized is allowed from anywhere.
type stateMachine struct {
	current State
}

func (m *stateMachine) Current() State {
	return m.current
}

// Transition moves to the given state when the edge is legal. An illegal
// edge is a programmer error; it is logged and refused.
func (m *stateMachine) Transition(to State) bool {
	if !m.canTransition(to) {
		logger.Log.Errorf("illegal state transition %s -> %s", m.current, to)
		return false
	}
	logger.Log.Debugf("state %s -> %s", m.current, to)
	m.current = to
	return true
}

func (m *stateMachine) canTransition(to State) bool {
	if to == StateUninitialized {
		return true
	}
	switch m.current {
	case StateUninitialized:
		return to == StateInitializeStarted
	case StateInitializeStarted:
		return to == StateUimStarted
	case StateUimStarted:
		return to == StateLogicalChannelPending
	case StateLogicalChannelPending:
		return to == StateLogicalChannelOpened
	case StateLogicalChannelOpened:
		return to == StateSendApduReady
	case StateSendApduReady:
		return to == StateUimStarted
	}
	return false
}
