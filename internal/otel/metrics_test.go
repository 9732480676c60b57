package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
	if m.ProcessDuration == nil {
		t.Error("ProcessDuration is nil")
	}
	if m.EnqueuedTotal == nil {
		t.Error("EnqueuedTotal is nil")
	}
	if m.RetryTotal == nil {
		t.Error("RetryTotal is nil")
	}
	if m.DeadLetterTotal == nil {
		t.Error("DeadLetterTotal is nil")
	}
	if m.CanceledTotal == nil {
		t.Error("CanceledTotal is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
