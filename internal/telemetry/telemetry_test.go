package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestProviderWithoutCollectorIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "store"})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if p.TracerProvider != nil || p.MeterProvider != nil {
		t.Fatalf("no exporters expected without a collector")
	}
	p.Metrics.Login()
	p.Metrics.Request("login", "OK", time.Millisecond)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	var nilMetrics *Metrics
	nilMetrics.Upload("g")
	nilMetrics.Request("x", "OK", 0)
	Noop().PortAllocated()
}
