// Package coder implements transports.Dialer with coder/websocket.
package coder

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/transports"
)

// DefaultReadLimit covers the largest vendor result payloads seen in
// practice; coder's own default is 32KiB.
const DefaultReadLimit = 1 << 20

type Dialer struct {
	client    *http.Client
	readLimit int64
}

type Option func(*Dialer)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.client = c }
}

func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{readLimit: DefaultReadLimit}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transports.Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.client,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("coder: dial: %w", err)
	}
	conn.SetReadLimit(d.readLimit)
	return &socket{conn: conn}, nil
}

type socket struct {
	conn *websocket.Conn
}

func (s *socket) Send(ctx context.Context, msg stt.Message) error {
	kind := websocket.MessageBinary
	if msg.Type == stt.MessageText {
		kind = websocket.MessageText
	}
	return s.conn.Write(ctx, kind, msg.Data)
}

func (s *socket) Receive(ctx context.Context) (stt.Message, error) {
	kind, data, err := s.conn.Read(ctx)
	if err != nil {
		return stt.Message{}, err
	}
	if kind == websocket.MessageText {
		return stt.Message{Type: stt.MessageText, Data: data}, nil
	}
	return stt.Message{Type: stt.MessageBinary, Data: data}, nil
}

func (s *socket) Close(graceful bool) error {
	if graceful {
		return s.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return s.conn.CloseNow()
}
