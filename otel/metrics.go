package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/pipef/runtime"
)

// MetricsHandler records runtime events as OpenTelemetry instruments.
type MetricsHandler struct {
	ticks         metric.Int64Counter
	stageFailures metric.Int64Counter
	itemsConsumed metric.Int64Counter
	itemsProduced metric.Int64Counter
	runs          metric.Int64Counter
	runDuration   metric.Float64Histogram
	runIterations metric.Int64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	var (
		h   MetricsHandler
		err error
	)
	if h.ticks, err = meter.Int64Counter("pipef.stage.ticks",
		metric.WithDescription("Number of stage ticks"),
	); err != nil {
		return nil, err
	}
	if h.stageFailures, err = meter.Int64Counter("pipef.stage.failures",
		metric.WithDescription("Number of stage init, tick and finalize failures"),
	); err != nil {
		return nil, err
	}
	if h.itemsConsumed, err = meter.Int64Counter("pipef.stage.items.consumed",
		metric.WithDescription("Data consumed by stages that ended"),
	); err != nil {
		return nil, err
	}
	if h.itemsProduced, err = meter.Int64Counter("pipef.stage.items.produced",
		metric.WithDescription("Data produced by stages that ended"),
	); err != nil {
		return nil, err
	}
	if h.runs, err = meter.Int64Counter("pipef.runs",
		metric.WithDescription("Number of finished runs by outcome"),
	); err != nil {
		return nil, err
	}
	if h.runDuration, err = meter.Float64Histogram("pipef.run.duration",
		metric.WithDescription("Duration of a run in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if h.runIterations, err = meter.Int64Histogram("pipef.run.iterations",
		metric.WithDescription("Scheduler iterations per run"),
	); err != nil {
		return nil, err
	}
	return &h, nil
}

// Handle implements runtime.EventHandler semantics. Tick counts need
// Options.TickEvents.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventStageTick:
		h.ticks.Add(ctx, 1, stageAttrs(e))
	case runtime.EventStageEnded:
		attrs := stageAttrs(e)
		if n, ok := e.Payload["consumed"].(uint64); ok {
			h.itemsConsumed.Add(ctx, int64(n), attrs) // #nosec G115 -- counters stay far below MaxInt64
		}
		if n, ok := e.Payload["produced"].(uint64); ok {
			h.itemsProduced.Add(ctx, int64(n), attrs) // #nosec G115 -- counters stay far below MaxInt64
		}
	case runtime.EventStageInitFailed, runtime.EventStageFailed, runtime.EventStageFinalizeFailed:
		h.stageFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", e.StageName),
			attribute.String("stage_kind", string(e.StageKind)),
			attribute.String("event", string(e.Kind)),
		))
	case runtime.EventRunFinished:
		status := payloadString(e, "status", "")
		attrs := metric.WithAttributes(attribute.String("status", status))
		h.runs.Add(ctx, 1, attrs)
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
		h.runIterations.Record(ctx, int64(e.Iteration), attrs)
	}
}

// Handler returns Handle as a runtime.EventHandler.
func (h *MetricsHandler) Handler() runtime.EventHandler {
	return h.Handle
}

func stageAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("stage", e.StageName),
		attribute.String("stage_kind", string(e.StageKind)),
	)
}
