// Package runtime provides the engine that owns and drives pipef stage
// graphs.
package runtime

import (
	"time"

	"github.com/petal-labs/pipef/core"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins, after the topology froze.
	EventRunStarted EventKind = "run.started"

	// EventRunFinished is emitted when a run terminates, after every stage
	// was finalized.
	EventRunFinished EventKind = "run.finished"

	// EventStageInitialized is emitted after a stage's Init succeeded.
	EventStageInitialized EventKind = "stage.initialized"

	// EventStageInitFailed is emitted when a stage's Init returned an error.
	EventStageInitFailed EventKind = "stage.init_failed"

	// EventStageTick is emitted after every tick. It is only emitted when
	// Options.TickEvents is set.
	EventStageTick EventKind = "stage.tick"

	// EventStageDraining is emitted when all inputs of a stage are drained.
	EventStageDraining EventKind = "stage.draining"

	// EventStageEnded is emitted when a stage reports End.
	EventStageEnded EventKind = "stage.ended"

	// EventStageFailed is emitted when a tick returns an error.
	EventStageFailed EventKind = "stage.failed"

	// EventStageFinalized is emitted after a stage's Finalize returned.
	EventStageFinalized EventKind = "stage.finalized"

	// EventStageFinalizeFailed is emitted when Finalize failed or panicked.
	EventStageFinalizeFailed EventKind = "stage.finalize_failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Events should be kept small; payload values are scalars.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// StageID is the stage that produced this event (0 for run-level events).
	StageID core.StageID

	// StageName is the stage name (empty for run-level events).
	StageName string

	// StageKind is the kind of stage (empty for run-level events).
	StageKind core.Kind

	// Time is when the event occurred.
	Time time.Time

	// Iteration is the scheduler iteration the event belongs to (0 before
	// the first iteration).
	Iteration int

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithStage sets the stage information on the event.
func (e Event) WithStage(b *core.BaseStage) Event {
	e.StageID = b.ID()
	e.StageName = b.Name()
	e.StageKind = b.Kind()
	return e
}

// WithIteration sets the iteration number on the event.
func (e Event) WithIteration(i int) Event {
	e.Iteration = i
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the engine
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
