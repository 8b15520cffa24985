// Package gorilla implements transports.Dialer with gorilla/websocket.
package gorilla

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/transports"
)

const closeGrace = time.Second

type Dialer struct {
	dialer websocket.Dialer
}

func NewDialer(handshakeTimeout time.Duration) *Dialer {
	return &Dialer{dialer: websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transports.Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gorilla: dial: http %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gorilla: dial: %w", err)
	}
	return &socket{conn: conn}, nil
}

type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (s *socket) Send(ctx context.Context, msg stt.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetWriteDeadline(time.Now()) })
	defer stop()
	kind := websocket.BinaryMessage
	if msg.Type == stt.MessageText {
		kind = websocket.TextMessage
	}
	return s.conn.WriteMessage(kind, msg.Data)
}

func (s *socket) Receive(ctx context.Context) (stt.Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	kind, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return stt.Message{}, ctx.Err()
		}
		return stt.Message{}, err
	}
	if kind == websocket.TextMessage {
		return stt.Message{Type: stt.MessageText, Data: data}, nil
	}
	return stt.Message{Type: stt.MessageBinary, Data: data}, nil
}

func (s *socket) Close(graceful bool) error {
	var err error
	s.once.Do(func() {
		if graceful {
			s.writeMu.Lock()
			werr := s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
			s.writeMu.Unlock()
			if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
				err = werr
			}
		}
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
