// Package pipef builds and runs single-threaded dataflow pipelines.
//
// A pipeline is a graph of stages connected through typed ports. An engine
// owns the stages and drives them cooperatively on one goroutine until the
// sinks end, a budget runs out, or Stop is called.
//
// This file re-exports the most used names from the core, runtime and
// stages subpackages so small programs need a single import:
//
//	e := pipef.NewEngine("shout")
//	src := pipef.Create(e, stages.FromSlice("a", "b"))
//	up := pipef.Create(e, stages.NewTransformer(strings.ToUpper))
//	if _, err := pipef.Pipe(src, up); err != nil { ... }
//
// Larger programs import the subpackages directly.
package pipef

import (
	"log/slog"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/runtime"
)

// =============================================================================
// Core Package Re-exports
// =============================================================================

type (
	// Stage is a node of a pipeline.
	Stage = core.Stage

	// Configurable is a stage that accepts a parameter key.
	Configurable = core.Configurable

	// BaseStage holds the bookkeeping every stage embeds.
	BaseStage = core.BaseStage

	// StageID identifies a stage within an engine.
	StageID = core.StageID

	// Kind names a stage category.
	Kind = core.Kind

	// Status is the outcome of a single tick.
	Status = core.Status

	// State is the lifecycle state of a stage.
	State = core.State

	// StageError wraps a failure with the stage that caused it.
	StageError = core.StageError
)

// Tick statuses.
const (
	Produced = core.Produced
	Idle     = core.Idle
	End      = core.End
	Error    = core.Error
)

// Errors returned by composition and runs.
var (
	ErrTypeMismatch            = core.ErrTypeMismatch
	ErrPortOccupied            = core.ErrPortOccupied
	ErrCycleDetected           = core.ErrCycleDetected
	ErrReparameterizeAfterWire = core.ErrReparameterizeAfterWire
	ErrInitFailure             = core.ErrInitFailure
	ErrStageFailed             = core.ErrStageFailed
	ErrEngineStopped           = core.ErrEngineStopped
	ErrBudgetExhausted         = core.ErrBudgetExhausted
	ErrNotConfigured           = core.ErrNotConfigured
	ErrAlreadyRan              = runtime.ErrAlreadyRan
)

// Pipe connects the default output of a to the default input of b and
// returns b.
func Pipe[S Stage](a Stage, b S) (S, error) {
	return core.Pipe(a, b)
}

// Parameterize applies key to s and returns s.
func Parameterize[S Configurable](s S, key string) (S, error) {
	return core.Parameterize(s, key)
}

// Connect wires a typed output to a typed input.
func Connect[T any](out *core.Out[T], in *core.In[T]) error {
	return core.Connect(out, in)
}

// =============================================================================
// Runtime Package Re-exports
// =============================================================================

type (
	// Engine owns and drives a pipeline.
	Engine = runtime.Engine

	// Options configures an engine.
	Options = runtime.Options

	// Result describes how a run ended.
	Result = runtime.Result

	// Outcome is the terminal status of a run.
	Outcome = runtime.Outcome

	// Event is emitted during a run.
	Event = runtime.Event

	// EventHandler receives events.
	EventHandler = runtime.EventHandler
)

// Unbounded lifts the loop or duration limit of Run.
const Unbounded = runtime.Unbounded

// Run outcomes.
const (
	OutcomeCompleted = runtime.OutcomeCompleted
	OutcomeStopped   = runtime.OutcomeStopped
	OutcomeBudget    = runtime.OutcomeBudget
	OutcomeFailed    = runtime.OutcomeFailed
)

// NewEngine creates an engine with default options and logger.
func NewEngine(name string) *Engine {
	return runtime.NewEngine(name, runtime.DefaultOptions())
}

// NewEngineWithLogger creates an engine logging to logger.
func NewEngineWithLogger(name string, logger *slog.Logger) *Engine {
	opts := runtime.DefaultOptions()
	opts.Logger = logger
	return runtime.NewEngine(name, opts)
}

// Create hands s to e and returns it.
func Create[S Stage](e *Engine, s S, opts ...runtime.StageOption) S {
	return runtime.Create(e, s, opts...)
}
