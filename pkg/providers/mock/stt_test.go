package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

func TestCapabilitiesPerMode(t *testing.T) {
	both := stt.Resolve(New("hi", 1))
	if !both.SupportsStreaming() || !both.SupportsBatch() {
		t.Fatalf("expected both transports")
	}
	stream, err := NewFromSettings(map[string]any{"mode": "stream"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if c := stt.Resolve(stream); !c.SupportsStreaming() || c.SupportsBatch() {
		t.Fatalf("stream mode should not batch")
	}
	batch, _ := NewFromSettings(map[string]any{"mode": "batch"})
	if c := stt.Resolve(batch); c.SupportsStreaming() || !c.SupportsBatch() {
		t.Fatalf("batch mode should not stream")
	}
	if _, err := NewFromSettings(map[string]any{"mode": "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestStreamingParse(t *testing.T) {
	var s Streaming
	res, err := s.ParseInboundMessage(ResultMessage("hello", 0.5, true))
	if err != nil || res == nil || res.Transcript != "hello" || !res.IsFinal {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if _, err := s.ParseInboundMessage(ErrorMessage("quota")); !errorsx.HasReason(err, errorsx.ReasonAdapter) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	if res, err := s.ParseInboundMessage(stt.TextMessage(`{"type":"ping"}`)); res != nil || err != nil {
		t.Fatalf("ping should be ignored")
	}
	if _, err := s.ParseInboundMessage(stt.TextMessage(`{`)); !errors.Is(err, stt.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestBatchScriptedFailure(t *testing.T) {
	b := NewBatch("done", 0.7)
	boom := errors.New("boom")
	b.FailNext(boom)
	wav := audio.EncodeWAV([]int16{1, 2}, 16000, 1)
	if _, err := b.RecognizeBatch(context.Background(), wav, stt.SessionOptions{}); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	res, err := b.RecognizeBatch(context.Background(), wav, stt.SessionOptions{})
	if err != nil || res.Transcript != "done" || !res.IsFinal {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if got := len(b.Uploads()); got != 2 {
		t.Fatalf("expected 2 uploads, got %d", got)
	}
}
