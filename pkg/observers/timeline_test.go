package observers

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/earshot/pkg/logging"
	"github.com/harunnryd/earshot/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	tags := map[string]string{
		metrics.TagSessionID: "session/1",
		metrics.TagProvider:  "baidu",
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionStart, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventResult,
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"transcript": "你好"},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionEnd, Time: time.Now(), Tags: tags})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "session_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var entry timelineEvent
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Event != metrics.EventResult || entry.SessionID != "session/1" || entry.Fields["transcript"] != "你好" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok := entry.Tags[metrics.TagSessionID]; ok {
		t.Fatalf("expected session id lifted out of tags")
	}
}

func TestTimelineObserverSkipsUntaggedEvents(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFrameSent, Time: time.Now()})
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestLatencyObserverLogsOnSessionEnd(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(logging.NewLogger(&buf, logging.LogConfig{}))
	start := time.Now()
	tags := map[string]string{metrics.TagSessionID: "s1", metrics.TagProvider: "deepgram"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionStart, Time: start, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventConnect, Time: start.Add(80 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventResult,
		Time:   start.Add(300 * time.Millisecond),
		Tags:   tags,
		Fields: map[string]any{"final": true},
	})
	if obs.Pending() != 1 {
		t.Fatalf("expected one pending trace")
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionEnd, Time: start.Add(time.Second), Tags: tags})
	if obs.Pending() != 0 {
		t.Fatalf("expected trace cleared")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["connect_ms"] != float64(80) || line["first_final_ms"] != float64(300) || line["provider"] != "deepgram" {
		t.Fatalf("unexpected latency line %v", line)
	}
}

func TestPurgeArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one purge, got n=%d err=%v", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh file kept: %v", err)
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); n != 0 || err != nil {
		t.Fatalf("expected missing dir tolerated, got n=%d err=%v", n, err)
	}
}
