package transports

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/frames"
)

// Mode selects how captured audio reaches the vendor.
type Mode string

const (
	ModeWebSocket Mode = "websocket"
	ModeHTTP      Mode = "http"
)

// ParseMode accepts the configured transport name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeWebSocket, ModeHTTP:
		return Mode(s), nil
	case "":
		return ModeWebSocket, nil
	default:
		return "", fmt.Errorf("transports: unknown transport %q", s)
	}
}

// ConnectionState is the lifecycle of one streaming connection.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connection_state(%d)", int32(s))
	}
}

// Socket is one open websocket. Send calls are serialized by the caller;
// Receive is only called from a single reader goroutine.
type Socket interface {
	Send(ctx context.Context, msg stt.Message) error
	Receive(ctx context.Context) (stt.Message, error)
	// Close tears the socket down. graceful sends a close frame first.
	Close(graceful bool) error
}

// Dialer opens sockets. Implementations live in subpackages so the core
// never depends on one websocket library.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	return f(ctx, url, header)
}

// Transport is the frame sink a recognition attempt writes captured audio
// into, whichever mode it runs in.
type Transport interface {
	Mode() Mode
	// SendFrame hands f over. It reports false when f was discarded.
	SendFrame(f frames.AudioFrame) bool
	// Abort drops every pending frame and releases the connection.
	Abort()
}

var (
	ErrAlreadyStarted = errors.New("transports: session already started")
	ErrAborted        = errors.New("transports: session aborted")
	ErrSealed         = errors.New("transports: batch already submitted")
)
