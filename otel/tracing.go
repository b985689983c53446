// Package otel translates pipef runtime events into OpenTelemetry spans
// and metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/runtime"
)

type stageKey struct {
	runID string
	id    core.StageID
}

// TracingHandler turns runtime events into spans: one root span per run
// and one child span per stage covering Init through Finalize. Draining,
// end and failure become span events on the stage span.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runSpans   map[string]trace.Span
	runCtxs    map[string]context.Context
	stageSpans map[stageKey]trace.Span
}

// NewTracingHandler creates a TracingHandler using tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		stageSpans: make(map[stageKey]trace.Span),
	}
}

// Handle implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventStageInitialized:
		h.startStage(e)
	case runtime.EventStageInitFailed:
		h.startStage(e)
		h.endStage(e, payloadString(e, "error", "init failed"))
	case runtime.EventStageDraining, runtime.EventStageEnded:
		h.stageEvent(e)
	case runtime.EventStageFailed:
		h.stageFailed(e)
	case runtime.EventStageFinalized:
		h.endStage(e, "")
	case runtime.EventStageFinalizeFailed:
		h.endStage(e, payloadString(e, "error", "finalize failed"))
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// Handler returns Handle as a runtime.EventHandler.
func (h *TracingHandler) Handler() runtime.EventHandler {
	return h.Handle
}

func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	name := payloadString(e, "engine", "")
	spanName := "run:" + e.RunID
	if name != "" {
		spanName = "run:" + name
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(attribute.String("pipef.run_id", e.RunID)),
		trace.WithTimestamp(e.Time),
	)
	if name != "" {
		span.SetAttributes(attribute.String("pipef.engine", name))
	}
	if n, ok := e.Payload["stages"].(int); ok {
		span.SetAttributes(attribute.Int("pipef.stages", n))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) startStage(e runtime.Event) {
	h.mu.RLock()
	parent, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parent = context.Background()
	}

	_, span := h.tracer.Start(parent, "stage:"+e.StageName,
		trace.WithAttributes(
			attribute.String("pipef.run_id", e.RunID),
			attribute.Int64("pipef.stage_id", int64(e.StageID)),
			attribute.String("pipef.stage_kind", string(e.StageKind)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stageSpans[stageKey{e.RunID, e.StageID}] = span
	h.mu.Unlock()
}

func (h *TracingHandler) stageSpan(e runtime.Event) (trace.Span, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	span, ok := h.stageSpans[stageKey{e.RunID, e.StageID}]
	return span, ok
}

func (h *TracingHandler) stageEvent(e runtime.Event) {
	span, ok := h.stageSpan(e)
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{attribute.Int("pipef.iteration", e.Iteration)}
	for _, key := range []string{"consumed", "produced"} {
		if v, ok := e.Payload[key].(uint64); ok {
			attrs = append(attrs, attribute.Int64("pipef."+key, int64(v))) // #nosec G115 -- counters stay far below MaxInt64
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) stageFailed(e runtime.Event) {
	span, ok := h.stageSpan(e)
	if !ok {
		return
	}
	msg := payloadString(e, "error", "stage failed")
	span.SetStatus(codes.Error, msg)
	span.RecordError(spanError(msg),
		trace.WithTimestamp(e.Time),
		trace.WithAttributes(attribute.Int("pipef.iteration", e.Iteration)),
	)
}

// endStage ends the stage span; a non-empty errMsg marks it failed.
func (h *TracingHandler) endStage(e runtime.Event, errMsg string) {
	key := stageKey{e.RunID, e.StageID}
	h.mu.Lock()
	span, ok := h.stageSpans[key]
	delete(h.stageSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	// Stage spans left open belong to stages that never finalized.
	var orphans []trace.Span
	for key, s := range h.stageSpans {
		if key.runID == e.RunID {
			orphans = append(orphans, s)
			delete(h.stageSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	span.SetAttributes(
		attribute.String("pipef.status", status),
		attribute.String("pipef.duration", e.Elapsed.String()),
		attribute.Int("pipef.iterations", e.Iteration),
	)
	if reason := payloadString(e, "reason", ""); reason != "" {
		span.SetAttributes(attribute.String("pipef.reason", reason))
	}
	if status == runtime.OutcomeFailed.String() {
		span.SetStatus(codes.Error, payloadString(e, "error", "run failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the span context of a live stage span, or an
// empty one.
func (h *TracingHandler) ActiveSpanContext(runID string, id core.StageID) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.stageSpans[stageKey{runID, id}]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the span context of a live run span, or an
// empty one.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e runtime.Event, key, def string) string {
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return def
}

type spanError string

func (e spanError) Error() string { return string(e) }
