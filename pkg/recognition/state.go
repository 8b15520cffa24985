package recognition

import (
	"fmt"
	"time"

	"github.com/harunnryd/earshot/pkg/transports"
)

// State is the lifecycle of a recognition session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRecording
	// StateProcessing only occurs with the HTTP transport, while the
	// recording is being uploaded.
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// States lists every state.
func States() []State {
	return []State{StateIdle, StateConnecting, StateRecording, StateProcessing}
}

// Trigger is anything that can move a session between states.
type Trigger int

const (
	TriggerStart Trigger = iota
	// TriggerOpen means the transport is ready: handshake done for websocket,
	// immediately for HTTP. It also marks a successful reconnect.
	TriggerOpen
	TriggerConnectFailed
	TriggerStop
	TriggerAbort
	// TriggerConnectionDrop is an unexpected close that will be retried.
	TriggerConnectionDrop
	// TriggerConnectionLost is a close with no retries left.
	TriggerConnectionLost
	TriggerVADTimeout
	TriggerBatchDone
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerOpen:
		return "open"
	case TriggerConnectFailed:
		return "connect_failed"
	case TriggerStop:
		return "stop"
	case TriggerAbort:
		return "abort"
	case TriggerConnectionDrop:
		return "connection_drop"
	case TriggerConnectionLost:
		return "connection_lost"
	case TriggerVADTimeout:
		return "vad_timeout"
	case TriggerBatchDone:
		return "batch_done"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Triggers lists every trigger.
func Triggers() []Trigger {
	return []Trigger{
		TriggerStart, TriggerOpen, TriggerConnectFailed, TriggerStop, TriggerAbort,
		TriggerConnectionDrop, TriggerConnectionLost, TriggerVADTimeout, TriggerBatchDone,
	}
}

// Next returns the successor of from under t. It is defined for every
// (state, trigger, mode) triple; triggers that mean nothing in a state
// leave it unchanged.
func Next(from State, t Trigger, mode transports.Mode) State {
	if t == TriggerAbort {
		return StateIdle
	}
	switch from {
	case StateIdle:
		if t == TriggerStart {
			return StateConnecting
		}
	case StateConnecting:
		switch t {
		case TriggerOpen:
			return StateRecording
		case TriggerConnectFailed, TriggerStop, TriggerConnectionLost:
			return StateIdle
		}
	case StateRecording:
		switch t {
		case TriggerStop, TriggerVADTimeout:
			if mode == transports.ModeHTTP {
				return StateProcessing
			}
			return StateIdle
		case TriggerConnectionLost:
			return StateIdle
		}
	case StateProcessing:
		if t == TriggerBatchDone {
			return StateIdle
		}
	default:
		return StateIdle
	}
	return from
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Trigger   Trigger
	Attempt   uint64
	SessionID string
	Timestamp time.Time
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(ev StateChange) { f(ev) }
