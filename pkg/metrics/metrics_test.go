package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMemoryObserverNamed(t *testing.T) {
	m := NewMemoryObserver()
	Record(m, EventConnect, 1, nil, nil)
	Record(m, EventResult, 1, nil, nil)
	Record(m, EventResult, 1, nil, nil)
	if m.Count(EventResult) != 2 || m.Count(EventConnect) != 1 || len(m.Events()) != 3 {
		t.Fatalf("unexpected events %+v", m.Events())
	}
	Record(nil, EventResult, 1, nil, nil)
}

func TestSamplingObserverOnlySamplesNamedEvents(t *testing.T) {
	m := NewMemoryObserver()
	s := NewSamplingObserver(m, 0.25, EventFrameSent)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: EventFrameSent})
		s.RecordEvent(MetricsEvent{Name: EventResult})
	}
	if got := m.Count(EventFrameSent); got != 2 {
		t.Fatalf("expected 2 sampled frame events, got %d", got)
	}
	if got := m.Count(EventResult); got != 8 {
		t.Fatalf("expected results to pass through, got %d", got)
	}
}

func TestAsyncObserverDrainsOnClose(t *testing.T) {
	m := NewMemoryObserver()
	a := NewAsyncObserver(m, 16)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: EventFrameSent})
	}
	a.Close()
	if got := m.Count(EventFrameSent) + int(a.Dropped()); got != 10 {
		t.Fatalf("expected every event delivered or counted, got %d", got)
	}
	a.RecordEvent(MetricsEvent{Name: EventFrameSent})
}

func TestJSONLObserverWritesLine(t *testing.T) {
	var buf bytes.Buffer
	NewJSONLObserver(&buf).RecordEvent(MetricsEvent{
		Name:   EventResult,
		Value:  1,
		Tags:   map[string]string{TagProvider: "baidu"},
		Fields: map[string]any{"final": true},
	})
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	tags, _ := line["tags"].(map[string]any)
	if line["name"] != EventResult || tags[TagProvider] != "baidu" || line["final"] != true {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestWithTagsCopies(t *testing.T) {
	base := map[string]string{TagProvider: "baidu"}
	out := WithTags(base, TagReason, "NETWORK")
	if out[TagProvider] != "baidu" || out[TagReason] != "NETWORK" || len(base) != 1 {
		t.Fatalf("unexpected tags %v base=%v", out, base)
	}
}

func TestOTelObserverCountsAndLatency(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	o, err := NewOTelObserver(mp)
	if err != nil {
		t.Fatalf("NewOTelObserver: %v", err)
	}
	tags := map[string]string{TagProvider: "deepgram", TagSessionID: "s-1"}
	o.RecordEvent(MetricsEvent{Name: EventConnect, Tags: tags, Fields: map[string]any{FieldLatencyMS: int64(120)}})
	o.RecordEvent(MetricsEvent{Name: EventFrameSent, Tags: tags})
	o.RecordEvent(MetricsEvent{Name: EventFrameSent, Tags: tags})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	events := findMetric(rm, "earshot.stt.events")
	if events == nil {
		t.Fatalf("events counter not found")
	}
	sum, ok := events.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", events.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
		if _, found := dp.Attributes.Value(TagSessionID); found {
			t.Fatalf("session id leaked into attributes")
		}
	}
	if total != 3 {
		t.Fatalf("expected 3 events, got %d", total)
	}

	latency := findMetric(rm, "earshot.stt.latency")
	if latency == nil {
		t.Fatalf("latency histogram not found")
	}
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected histogram %+v", latency.Data)
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}
