// Package stt defines the contract between the recognition pipeline and a
// cloud speech-recognition vendor. Every capability beyond Name is optional:
// an adapter implements the subset its wire protocol needs, and Resolve
// discovers that subset once per session.
package stt

import (
	"context"
	"errors"
	"net/http"
)

// Adapter is the minimal contract every vendor implements.
type Adapter interface {
	// Name returns adapter name for logging/metrics.
	Name() string
}

// SessionOptions carries per-session recognition preferences to the adapter.
type SessionOptions struct {
	SessionID       string
	Lang            string
	SampleRate      int
	Channels        int
	InterimResults  bool
	MaxAlternatives int
	Continuous      bool
}

// URLProvider produces the websocket endpoint for a streaming session.
type URLProvider interface {
	ConnectURL(ctx context.Context, opts SessionOptions) (string, error)
}

// HeaderProvider supplies extra headers for the websocket upgrade request.
type HeaderProvider interface {
	ConnectHeader(opts SessionOptions) http.Header
}

// Handshaker produces the first message sent once the socket is open.
// A nil message means no handshake.
type Handshaker interface {
	HandshakeMessage(opts SessionOptions) (*Message, error)
}

// BatchRecognizer submits a complete WAV recording over HTTP.
type BatchRecognizer interface {
	RecognizeBatch(ctx context.Context, wav []byte, opts SessionOptions) (Result, error)
}

// FrameTransformer wraps little-endian PCM bytes into a wire message.
// The pcm slice is only valid for the duration of the call.
type FrameTransformer interface {
	TransformOutboundFrame(pcm []byte) (Message, error)
}

// InboundParser turns a wire message into a result. It returns nil for
// heartbeats and other non-result messages, ErrMalformed (wrapped) for
// payloads it cannot decode, and any other error for vendor error codes.
type InboundParser interface {
	ParseInboundMessage(msg Message) (*Result, error)
}

// Finisher produces the end-of-audio marker sent before a graceful close.
type Finisher interface {
	FinishMessage() *Message
}

// ErrMalformed marks a per-message parse failure on a streaming connection.
var ErrMalformed = errors.New("stt: malformed inbound message")

// Capabilities is the resolved view of an adapter. Nil fields are absent.
type Capabilities struct {
	Adapter   Adapter
	URL       URLProvider
	Header    HeaderProvider
	Handshake Handshaker
	Batch     BatchRecognizer
	Transform FrameTransformer
	Parse     InboundParser
	Finish    Finisher
}

// Resolve discovers which optional capabilities a implements.
func Resolve(a Adapter) Capabilities {
	c := Capabilities{Adapter: a}
	if a == nil {
		return c
	}
	c.URL, _ = a.(URLProvider)
	c.Header, _ = a.(HeaderProvider)
	c.Handshake, _ = a.(Handshaker)
	c.Batch, _ = a.(BatchRecognizer)
	c.Transform, _ = a.(FrameTransformer)
	c.Parse, _ = a.(InboundParser)
	c.Finish, _ = a.(Finisher)
	return c
}

func (c Capabilities) Name() string {
	if c.Adapter == nil {
		return ""
	}
	return c.Adapter.Name()
}

// SupportsStreaming reports whether the adapter can drive a websocket session.
func (c Capabilities) SupportsStreaming() bool {
	return c.URL != nil && c.Parse != nil
}

// SupportsBatch reports whether the adapter can recognize a WAV upload.
func (c Capabilities) SupportsBatch() bool {
	return c.Batch != nil
}

// Outbound applies the frame transform, defaulting to a binary message that
// owns a copy of pcm.
func (c Capabilities) Outbound(pcm []byte) (Message, error) {
	if c.Transform == nil {
		return BinaryMessage(append([]byte(nil), pcm...)), nil
	}
	return c.Transform.TransformOutboundFrame(pcm)
}

// HandshakeFor returns the adapter's opening message, if any.
func (c Capabilities) HandshakeFor(opts SessionOptions) (*Message, error) {
	if c.Handshake == nil {
		return nil, nil
	}
	return c.Handshake.HandshakeMessage(opts)
}

// ConnectHeader returns the adapter's upgrade headers, if any.
func (c Capabilities) ConnectHeader(opts SessionOptions) http.Header {
	if c.Header == nil {
		return nil
	}
	return c.Header.ConnectHeader(opts)
}
