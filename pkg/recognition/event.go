package recognition

import (
	"time"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

// EventType names the events a session emits.
type EventType string

const (
	EventStart       EventType = "start"
	EventEnd         EventType = "end"
	EventResult      EventType = "result"
	EventError       EventType = "error"
	EventSoundStart  EventType = "soundstart"
	EventSoundEnd    EventType = "soundend"
	EventSpeechStart EventType = "speechstart"
	EventSpeechEnd   EventType = "speechend"
	EventAudioStart  EventType = "audiostart"
	EventAudioEnd    EventType = "audioend"
)

// EventTypes lists every event type in no particular order.
func EventTypes() []EventType {
	return []EventType{
		EventStart, EventEnd, EventResult, EventError, EventSoundStart,
		EventSoundEnd, EventSpeechStart, EventSpeechEnd, EventAudioStart, EventAudioEnd,
	}
}

// Event is one session notification. Attempt identifies the Start call it
// belongs to.
type Event struct {
	Type      EventType
	Attempt   uint64
	SessionID string
	Result    *stt.Result
	Err       error
	At        time.Time
}

// Reason is the error code of an error event, empty otherwise.
func (e Event) Reason() errorsx.ReasonCode {
	if e.Err == nil {
		return ""
	}
	return errorsx.Reason(e.Err)
}

// Emitter receives session events in emission order. Implementations must
// not block for long and must not call back into the session.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }
