package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/earshot/pkg/metrics"
)

// LatencyObserver logs connect and first-result latency per session once
// the session ends.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started     time.Time
	connected   time.Time
	firstResult time.Time
	firstFinal  time.Time
	reconnects  int
	provider    string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags[metrics.TagSessionID]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[sessionID]
	if t == nil {
		t = &trace{}
		o.traces[sessionID] = t
	}
	switch ev.Name {
	case metrics.EventSessionStart:
		t.started = ev.Time
		t.provider = ev.Tags[metrics.TagProvider]
	case metrics.EventConnect:
		if t.connected.IsZero() {
			t.connected = ev.Time
		}
	case metrics.EventReconnect:
		t.reconnects++
	case metrics.EventResult:
		if t.firstResult.IsZero() {
			t.firstResult = ev.Time
		}
		if final, _ := ev.Fields["final"].(bool); final && t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
	case metrics.EventSessionEnd:
		o.log.Info("stt_latency",
			"session_id", sessionID,
			"provider", t.provider,
			"connect_ms", durationMs(t.started, t.connected),
			"first_result_ms", durationMs(t.started, t.firstResult),
			"first_final_ms", durationMs(t.started, t.firstFinal),
			"session_ms", durationMs(t.started, ev.Time),
			"reconnects", t.reconnects,
		)
		delete(o.traces, sessionID)
	}
}

// Pending reports how many sessions are still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
