package xunfei

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/audio"
	"github.com/harunnryd/earshot/pkg/errorsx"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Settings{AppID: "app", URL: "wss://iat-api.xfyun.cn/v2/iat?authorization=x"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestFramesCarryBase64Audio(t *testing.T) {
	a := newTestAdapter(t)
	hs, err := a.HandshakeMessage(stt.SessionOptions{Lang: "zh-CN", MaxAlternatives: 3})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	var first frame
	if err := json.Unmarshal(hs.Data, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Common == nil || first.Common.AppID != "app" || first.Business.Language != "zh_cn" || first.Business.NBest != 3 {
		t.Fatalf("unexpected first frame %+v", first)
	}
	if first.Data.Status != statusFirst || first.Data.Format != "audio/L16;rate=16000" {
		t.Fatalf("unexpected first data %+v", first.Data)
	}

	pcm := audio.PCMBytes([]int16{1, 2, 3})
	msg, err := a.TransformOutboundFrame(pcm)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	var mid frame
	if err := json.Unmarshal(msg.Data, &mid); err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, err := audio.FromBase64(mid.Data.Audio)
	if err != nil || string(raw) != string(pcm) || mid.Data.Status != statusContinue || mid.Common != nil {
		t.Fatalf("unexpected mid frame %+v err=%v", mid, err)
	}

	var last frame
	if err := json.Unmarshal(a.FinishMessage().Data, &last); err != nil || last.Data.Status != statusLast {
		t.Fatalf("unexpected finish frame %+v err=%v", last, err)
	}
}

func TestParseResults(t *testing.T) {
	a := newTestAdapter(t)
	res, err := a.ParseInboundMessage(stt.TextMessage(`{"code":0,"sid":"s","data":{"status":1,"result":{"sn":1,"ls":false,"ws":[{"cw":[{"w":"你好"}]},{"cw":[{"w":"世界"}]}]}}}`))
	if err != nil || res == nil {
		t.Fatalf("expected result, got %v err=%v", res, err)
	}
	if res.Transcript != "你好世界" || res.IsFinal {
		t.Fatalf("unexpected result %+v", res)
	}
	res, err = a.ParseInboundMessage(stt.TextMessage(`{"code":0,"data":{"status":2,"result":{"ls":true,"ws":[{"cw":[{"w":"。"}]}]}}}`))
	if err != nil || res == nil || !res.IsFinal {
		t.Fatalf("expected final result, got %v err=%v", res, err)
	}
	if _, err := a.ParseInboundMessage(stt.TextMessage(`{"code":10165,"message":"invalid handle","sid":"s"}`)); !errorsx.HasReason(err, errorsx.ReasonAdapter) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	if _, err := a.ParseInboundMessage(stt.BinaryMessage([]byte{0xff})); !errors.Is(err, stt.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if res, err := a.ParseInboundMessage(stt.TextMessage(`{"code":0,"sid":"s"}`)); res != nil || err != nil {
		t.Fatalf("expected empty ack ignored")
	}
}

func TestLanguageMapping(t *testing.T) {
	cases := map[string]string{"": "zh_cn", "zh-TW": "zh_cn", "en-US": "en_us", "ja-JP": "ja_jp"}
	for in, want := range cases {
		if got := language(in); got != want {
			t.Fatalf("language(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := NewFromSettings(map[string]any{"app_id": "a"}); err == nil {
		t.Fatalf("expected missing url error")
	}
}
