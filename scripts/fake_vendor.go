package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/providers/baidu"
)

// fake_vendor is a local stand-in for Baidu's realtime ASR endpoint. Point
// adapter.settings.endpoint at ws://<addr>/realtime_asr and every N audio
// frames it answers with one more word of the script as MID_TEXT; FINISH
// yields the full sentence as FIN_TEXT.
func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "listen address")
	script := flag.String("script", "你 好 世 界", "space separated words to reveal")
	every := flag.Int("every", 5, "audio frames per revealed word")
	flag.Parse()

	log := logging.InitLogger(logging.LogConfig{Level: "debug", Format: "text"})
	words := strings.Fields(*script)
	if len(words) == 0 || *every <= 0 {
		fmt.Fprintln(os.Stderr, "fake_vendor: need a non-empty script and -every > 0")
		os.Exit(2)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime_asr", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("fake_vendor_upgrade_failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close()
		serve(conn, words, *every, r.URL.Query().Get("sn"), log)
	})

	log.Info("fake_vendor_listening", slog.String("addr", *addr))
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Error("fake_vendor_stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func serve(conn *websocket.Conn, words []string, every int, sn string, log *slog.Logger) {
	log = log.With(slog.String("sn", sn))
	started := false
	frames, revealed := 0, 0
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("fake_vendor_closed", slog.String("error", err.Error()))
			return
		}
		if kind == websocket.BinaryMessage {
			if !started {
				reply(conn, baidu.Response{ErrNo: -3005, ErrMsg: "audio before START", Type: "MID_TEXT", SN: sn}, log)
				continue
			}
			frames++
			if frames%every == 0 && revealed < len(words) {
				revealed++
				reply(conn, baidu.Response{Type: "MID_TEXT", Result: strings.Join(words[:revealed], ""), SN: sn}, log)
			}
			continue
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("fake_vendor_bad_text", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case "START":
			started = true
			log.Info("fake_vendor_start", slog.String("handshake", string(data)))
		case "FINISH":
			reply(conn, baidu.Response{Type: "FIN_TEXT", Result: strings.Join(words, ""), SN: sn}, log)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"), time.Now().Add(time.Second))
			return
		default:
			reply(conn, baidu.Response{Type: "HEARTBEAT", SN: sn}, log)
		}
	}
}

func reply(conn *websocket.Conn, resp baidu.Response, log *slog.Logger) {
	if err := conn.WriteJSON(resp); err != nil {
		log.Warn("fake_vendor_write_failed", slog.String("error", err.Error()))
	}
}
