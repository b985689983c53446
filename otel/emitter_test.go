package otel_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/petal-labs/pipef/core"
	pipefotel "github.com/petal-labs/pipef/otel"
	"github.com/petal-labs/pipef/runtime"
	"github.com/petal-labs/pipef/stages"
)

func TestEnrichEmitter_StageThenRunSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := pipefotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()
	h.Handle(runtime.Event{Kind: runtime.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(stageEvent(runtime.EventStageInitialized, 1, now))

	var got []runtime.Event
	emit := pipefotel.EnrichEmitter(func(e runtime.Event) { got = append(got, e) }, h)

	emit(stageEvent(runtime.EventStageDraining, 1, now))
	emit(stageEvent(runtime.EventStageDraining, 9, now))
	emit(runtime.Event{Kind: runtime.EventRunStarted, RunID: "other"})

	stageSC := h.ActiveSpanContext("run-1", 1)
	runSC := h.ActiveRunSpanContext("run-1")
	if got[0].SpanID != stageSC.SpanID().String() {
		t.Errorf("stage event span = %s, want %s", got[0].SpanID, stageSC.SpanID())
	}
	if got[1].SpanID != runSC.SpanID().String() || got[1].TraceID != runSC.TraceID().String() {
		t.Errorf("unknown stage should fall back to the run span, got %s", got[1].SpanID)
	}
	if got[2].TraceID != "" || got[2].SpanID != "" {
		t.Errorf("event without span was enriched: %+v", got[2])
	}
}

func TestTelemetry_WithEngine(t *testing.T) {
	exporter, _ := newTestTracer()
	reader := sdkmetric.NewManualReader()
	tel, err := pipefotel.Setup(context.Background(), pipefotel.Config{
		SpanExporter:  exporter,
		MetricReaders: []sdkmetric.Reader{reader},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	var events []runtime.Event
	opts := runtime.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.EventHandler = func(e runtime.Event) { events = append(events, e) }
	tel.Apply(&opts)

	e := runtime.NewEngine("traced", opts)
	src := runtime.Create(e, stages.FromSlice(1, 2, 3))
	sink := runtime.Create(e, stages.NewCollector[int]())
	if _, err := core.Pipe(src, sink); err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	if _, err := e.Run(context.Background(), runtime.Unbounded, runtime.Unbounded); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rm := collectMetrics(t, reader)
	if findMetric(rm, "pipef.runs") == nil {
		t.Error("pipef.runs not recorded")
	}
	if err := tel.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if n := len(exporter.GetSpans()); n != 3 {
		t.Errorf("got %d spans, want 3 (run + 2 stages)", n)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, ev := range events {
		if ev.Kind == runtime.EventStageEnded && ev.TraceID == "" {
			t.Errorf("stage.ended for %s carries no trace ID", ev.StageName)
		}
	}
}
