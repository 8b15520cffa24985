package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the recognition pipeline.
const (
	EventSessionStart  = "stt_session_start"
	EventSessionEnd    = "stt_session_end"
	EventStateChange   = "stt_state_change"
	EventConnect       = "stt_connect"
	EventConnectFailed = "stt_connect_failed"
	EventReconnect     = "stt_reconnect"
	EventFrameSent     = "stt_frame_sent"
	EventFrameQueued   = "stt_frame_queued"
	EventFrameDropped  = "stt_frame_dropped"
	EventResult        = "stt_result"
	EventMalformed     = "stt_inbound_malformed"
	EventBatchSubmit   = "stt_batch_submit"
	EventError         = "stt_error"
)

// Tag keys shared by every event.
const (
	TagSessionID = "session_id"
	TagProvider  = "provider"
	TagTransport = "transport"
	TagReason    = "reason"
	TagState     = "state"
)

// FieldLatencyMS carries a latency sample in milliseconds.
const FieldLatencyMS = "latency_ms"

// Record sends an event to obs, stamping the time. A nil observer is a no-op.
func Record(obs Observer, name string, value float64, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   tags,
		Fields: fields,
	})
}

// WithTags returns a copy of base with extra merged over it.
func WithTags(base map[string]string, extra ...string) map[string]string {
	out := make(map[string]string, len(base)+len(extra)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(extra); i += 2 {
		out[extra[i]] = extra[i+1]
	}
	return out
}
