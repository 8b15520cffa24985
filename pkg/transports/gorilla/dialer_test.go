package gorilla

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token k" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
}

func TestSocketRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sock, err := NewDialer(time.Second).Dial(ctx, url, http.Header{"Authorization": {"Token k"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sock.Close(true)

	if err := sock.Send(ctx, stt.TextMessage(`{"type":"START"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := sock.Receive(ctx)
	if err != nil || msg.Type != stt.MessageText || msg.String() != `{"type":"START"}` {
		t.Fatalf("unexpected echo %v err=%v", msg, err)
	}
	if err := sock.Send(ctx, stt.BinaryMessage([]byte{1, 2})); err != nil {
		t.Fatalf("send binary: %v", err)
	}
	msg, err = sock.Receive(ctx)
	if err != nil || msg.Type != stt.MessageBinary || len(msg.Data) != 2 {
		t.Fatalf("unexpected binary echo %v err=%v", msg, err)
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sock, err := NewDialer(time.Second).Dial(context.Background(), url, http.Header{"Authorization": {"Token k"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sock.Close(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sock.Receive(ctx); err == nil {
		t.Fatalf("expected receive to fail after cancel")
	}
}

func TestDialRejected(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := NewDialer(time.Second).Dial(context.Background(), url, nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 dial error, got %v", err)
	}
}
