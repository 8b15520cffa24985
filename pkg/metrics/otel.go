package metrics

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/harunnryd/earshot"

var latencyBucketsMS = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// OTelObserver maps pipeline events onto OpenTelemetry instruments: every
// event increments earshot.stt.events, events carrying FieldLatencyMS feed
// the earshot.stt.latency histogram.
type OTelObserver struct {
	events  metric.Int64Counter
	latency metric.Float64Histogram
	frames  metric.Int64Counter
}

// NewOTelObserver registers instruments on mp.
func NewOTelObserver(mp metric.MeterProvider) (*OTelObserver, error) {
	m := mp.Meter(meterName)
	o := &OTelObserver{}
	var err error
	if o.events, err = m.Int64Counter("earshot.stt.events",
		metric.WithDescription("Recognition pipeline events by name."),
	); err != nil {
		return nil, err
	}
	if o.latency, err = m.Float64Histogram("earshot.stt.latency",
		metric.WithDescription("Connect and first-result latency."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBucketsMS...),
	); err != nil {
		return nil, err
	}
	if o.frames, err = m.Int64Counter("earshot.stt.frames",
		metric.WithDescription("Outbound audio frames by disposition."),
	); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTelObserver) RecordEvent(ev MetricsEvent) {
	ctx := context.Background()
	attrs := attributesFor(ev)
	o.events.Add(ctx, 1, metric.WithAttributes(attrs...))
	switch ev.Name {
	case EventFrameSent, EventFrameQueued, EventFrameDropped:
		o.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("disposition", ev.Name)))
	}
	if v, ok := ev.Fields[FieldLatencyMS]; ok {
		if ms, ok := toFloat(v); ok {
			o.latency.Record(ctx, ms, metric.WithAttributes(attrs...))
		}
	}
}

// attributesFor keeps low-cardinality tags only; session ids stay out of
// the metric labels.
func attributesFor(ev MetricsEvent) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("event", ev.Name)}
	keys := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		if k == TagSessionID {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, ev.Tags[k]))
	}
	return attrs
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
