package runtime

import (
	"context"

	"github.com/petal-labs/pipef/core"
)

// emitterKey is an unexported type used as the context key for EventEmitter.
// Using an unexported struct type prevents collisions with keys from other packages.
type emitterKey struct{}

// runIDKey is the context key for the current run ID.
type runIDKey struct{}

// ContextWithEmitter attaches an event emitter to the context.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext retrieves the event emitter from the context.
// Returns a no-op emitter if none is set.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}

// RunIDFromContext returns the ID of the run the context belongs to.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// stageContext derives the context handed to a stage. Events emitted
// through it are attributed to the stage unless they name one already.
func stageContext(ctx context.Context, runID string, b *core.BaseStage, emit EventEmitter) context.Context {
	ctx = context.WithValue(ctx, runIDKey{}, runID)
	return ContextWithEmitter(ctx, func(e Event) {
		if e.RunID == "" {
			e.RunID = runID
		}
		if e.StageID == 0 {
			e = e.WithStage(b)
		}
		emit(e)
	})
}
