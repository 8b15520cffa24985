package whisper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/resilience"
)

func TestRecognizeBatchUploadsWAV(t *testing.T) {
	wav := audio.EncodeWAV([]int16{1, 2, 3}, 16000, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "audio.wav" || len(data) != len(wav) {
			t.Errorf("unexpected upload %s (%d bytes)", hdr.Filename, len(data))
		}
		_, _ = io.WriteString(w, `{"text":" hello there \n"}`)
	}))
	defer srv.Close()

	a, err := New(Settings{ServerURL: srv.URL + "/"}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := a.RecognizeBatch(context.Background(), wav, stt.SessionOptions{Lang: "en-US"})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Transcript != "hello there" || !res.IsFinal {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRecognizeBatchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, _ := New(Settings{ServerURL: srv.URL})
	_, err := a.RecognizeBatch(context.Background(), audio.EncodeWAV(nil, 16000, 1), stt.SessionOptions{})
	var se resilience.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected status error, got %v", err)
	}
	if !resilience.IsTransient(err) {
		t.Fatalf("503 should be transient")
	}
}

func TestLanguage(t *testing.T) {
	cases := map[string]string{"en-US": "en", "zh_CN": "zh", "": "", "DE": "de"}
	for in, want := range cases {
		if got := language(in); got != want {
			t.Fatalf("language(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewFromSettingsRequiresServer(t *testing.T) {
	if _, err := NewFromSettings(map[string]any{}); err == nil {
		t.Fatalf("expected missing server_url error")
	}
	if _, err := NewFromSettings(map[string]any{"server_url": "http://x", "timeout": "5s"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
