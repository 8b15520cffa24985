package earshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/earshot/pkg/transports"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Lang != "zh-CN" || cfg.Mode != ModeCloud || cfg.Transport != "websocket" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.InterimResults || cfg.Continuous || cfg.MaxAlternatives != 1 {
		t.Fatalf("unexpected result defaults %+v", cfg)
	}
	if !cfg.AutoReconnect || cfg.MaxReconnectAttempts != 3 || cfg.ReconnectInterval != 2*time.Second {
		t.Fatalf("unexpected reconnect defaults %+v", cfg)
	}
	if cfg.QueueCap != 50 || cfg.Socket.Library != SocketGorilla {
		t.Fatalf("unexpected transport defaults %+v", cfg)
	}
	a := cfg.Audio
	if a.SampleRate != 16000 || a.VADThreshold != 0.01 || a.VADDuration != 1500*time.Millisecond || a.FrameSize != 2048 {
		t.Fatalf("unexpected audio defaults %+v", a)
	}
	if !a.EchoCancellation || !a.NoiseSuppression || !a.AutoGainControl {
		t.Fatalf("audio processing flags must default on")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadConfigFileEnvAndExpansion(t *testing.T) {
	t.Setenv("EARSHOT_TEST_DG_KEY", "secret-key")
	t.Setenv("EARSHOT_LANG", "en-US")
	t.Setenv("EARSHOT_TEST_DIR", "/var/tmp/earshot")
	path := writeConfig(t, `
continuous: true
transport: http
reconnect_interval: 500ms
audio:
  vad_duration: 2s
adapter:
  provider: deepgram
  settings:
    api_key: ${EARSHOT_TEST_DG_KEY}
socket:
  library: coder
observability:
  metrics_jsonl: ${EARSHOT_TEST_DIR}/metrics.jsonl
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lang != "en-US" {
		t.Fatalf("env override not applied, lang=%q", cfg.Lang)
	}
	if !cfg.Continuous || cfg.Transport != "http" || cfg.ReconnectInterval != 500*time.Millisecond {
		t.Fatalf("file values not applied %+v", cfg)
	}
	if cfg.Audio.VADDuration != 2*time.Second || cfg.Audio.SampleRate != 16000 {
		t.Fatalf("nested values wrong %+v", cfg.Audio)
	}
	if cfg.Adapter.Settings["api_key"] != "secret-key" {
		t.Fatalf("settings not expanded: %v", cfg.Adapter.Settings)
	}
	if cfg.Observability.MetricsJSONL != "/var/tmp/earshot/metrics.jsonl" {
		t.Fatalf("metrics path not expanded: %q", cfg.Observability.MetricsJSONL)
	}
	if cfg.Socket.Library != SocketCoder {
		t.Fatalf("unexpected socket library %q", cfg.Socket.Library)
	}

	rc := cfg.Recognition()
	if rc.Transport != transports.ModeHTTP || rc.Lang != "en-US" || rc.Audio.VADDuration != 2*time.Second {
		t.Fatalf("unexpected recognition config %+v", rc)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"mode":      "mode: telepathy\n",
		"transport": "transport: carrier-pigeon\n",
		"socket":    "socket:\n  library: netcat\n",
		"vad":       "audio:\n  vad_threshold: 2\n",
		"rate":      "audio:\n  sample_rate: 0\n",
	}
	for name, body := range cases {
		if _, err := LoadConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error for a missing file")
	}
}

func TestStartOptionsOverride(t *testing.T) {
	base := DefaultConfig()
	cont, alts := true, 3
	got := (&StartOptions{Lang: "ja-JP", Continuous: &cont, MaxAlternatives: &alts, Transport: "http"}).apply(base)
	if got.Lang != "ja-JP" || !got.Continuous || got.MaxAlternatives != 3 || got.Transport != "http" {
		t.Fatalf("overrides not applied %+v", got)
	}
	if got.InterimResults != base.InterimResults {
		t.Fatalf("unset override must keep the configured value")
	}
	var none *StartOptions
	if none.apply(base).Lang != base.Lang {
		t.Fatalf("nil options must keep the configuration")
	}
}
