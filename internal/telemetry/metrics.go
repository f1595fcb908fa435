package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Metrics are the service counters. A nil *Metrics records nothing.
type Metrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	logins          metric.Int64Counter
	evictions       metric.Int64Counter
	uploads         metric.Int64Counter
	downloads       metric.Int64Counter
	roomStarts      metric.Int64Counter
	spawnFailures   metric.Int64Counter
	portsAllocated  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.requests, "arcade.requests", "Requests handled, by op and result code"},
		{&m.logins, "arcade.logins", "Successful logins"},
		{&m.evictions, "arcade.session_evictions", "Sessions evicted by a newer login"},
		{&m.uploads, "arcade.uploads", "Accepted game versions"},
		{&m.downloads, "arcade.downloads", "New download ledger entries"},
		{&m.roomStarts, "arcade.room_starts", "Rooms that reached RUNNING"},
		{&m.spawnFailures, "arcade.spawn_failures", "Failed game server launches"},
		{&m.portsAllocated, "arcade.ports_allocated", "Ports handed out by the pool"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	if m.requestDuration, err = meter.Float64Histogram("arcade.request_duration",
		metric.WithDescription("Request handling time"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns metrics bound to a no-op meter.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

func (m *Metrics) add(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) Request(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(OpKey.String(op), CodeKey.String(code))
	m.requests.Add(context.Background(), 1, attrs)
	m.requestDuration.Record(context.Background(), float64(d.Microseconds())/1000, attrs)
}

func (m *Metrics) Login() {
	if m != nil {
		m.add(m.logins)
	}
}

func (m *Metrics) Eviction() {
	if m != nil {
		m.add(m.evictions)
	}
}

func (m *Metrics) Upload(game string) {
	if m != nil {
		m.add(m.uploads, GameIDKey.String(game))
	}
}

func (m *Metrics) Download(game string) {
	if m != nil {
		m.add(m.downloads, GameIDKey.String(game))
	}
}

func (m *Metrics) RoomStarted(game string) {
	if m != nil {
		m.add(m.roomStarts, GameIDKey.String(game))
	}
}

func (m *Metrics) SpawnFailed(reason string) {
	if m != nil {
		m.add(m.spawnFailures, CodeKey.String(reason))
	}
}

func (m *Metrics) PortAllocated() {
	if m != nil {
		m.add(m.portsAllocated)
	}
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("arcade").Start(ctx, name, trace.WithAttributes(attrs...))
}
