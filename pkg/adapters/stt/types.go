package stt

import "fmt"

// Alternative is one candidate transcript.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Result is one recognition result. It is immutable once constructed;
// Original holds the vendor payload it was parsed from.
type Result struct {
	Transcript   string        `json:"transcript"`
	Confidence   float64       `json:"confidence"`
	IsFinal      bool          `json:"is_final"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Original     any           `json:"-"`
}

// NewResult builds a result with the confidence clamped to [0, 1].
func NewResult(transcript string, confidence float64, final bool, original any) Result {
	return Result{
		Transcript: transcript,
		Confidence: clampConfidence(confidence),
		IsFinal:    final,
		Original:   original,
	}
}

// Limit returns a copy keeping at most n alternatives. n <= 0 keeps all.
func (r Result) Limit(n int) Result {
	if n <= 0 || len(r.Alternatives) <= n {
		return r
	}
	out := r
	out.Alternatives = append([]Alternative(nil), r.Alternatives[:n]...)
	return out
}

func clampConfidence(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MessageType distinguishes websocket text and binary frames.
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return fmt.Sprintf("message_type(%d)", int(t))
	}
}

// Message is one websocket frame in either direction.
type Message struct {
	Type MessageType
	Data []byte
}

func TextMessage(s string) Message {
	return Message{Type: MessageText, Data: []byte(s)}
}

func BinaryMessage(b []byte) Message {
	return Message{Type: MessageBinary, Data: b}
}

func (m Message) String() string {
	if m.Type == MessageText {
		return string(m.Data)
	}
	return fmt.Sprintf("<%d bytes>", len(m.Data))
}
