package avatarstore

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/marionette/internal/observe"
)

// failingStore fails every List call.
type failingStore struct {
	*MemStore
}

func (failingStore) List(context.Context, string) ([]Definition, error) {
	return nil, errors.New("connection reset")
}

func TestInstrumented(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	s := Instrument(failingStore{NewMemStore()}, m)
	if err := s.Create(ctx, sampleDef("a1", "lobby")); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(ghost) error = %v, want ErrNotFound", err)
	}
	if _, err := s.List(ctx, "lobby"); err == nil {
		t.Fatal("List() error = nil, want the wrapped store's failure")
	}

	want := map[string]codes.Code{
		"avatarstore.create": codes.Unset,
		"avatarstore.get":    codes.Unset,
		"avatarstore.list":   codes.Error,
	}
	spans := exp.GetSpans()
	if len(spans) != len(want) {
		t.Fatalf("recorded %d spans, want %d", len(spans), len(want))
	}
	for _, sp := range spans {
		code, ok := want[sp.Name]
		if !ok {
			t.Errorf("unexpected span %q", sp.Name)
			continue
		}
		if sp.Status.Code != code {
			t.Errorf("%s status = %v, want %v", sp.Name, sp.Status.Code, code)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var samples uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "marionette.store.duration" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
				samples += dp.Count
			}
		}
	}
	if samples != 3 {
		t.Errorf("store duration samples = %d, want 3", samples)
	}
}
