// Package core provides the foundational types and interfaces for pipef
// dataflow pipelines.
//
// This package contains:
//   - Core types: Kind, Status, State, StageID, Direction
//   - Interfaces: Stage, Configurable, Disposer, Owner
//   - Data structures: Datum (the unit of transport), In/Out ports, BaseStage
//   - Composition: Connect, Pipe, Chain, Parameterize
package core

import (
	"fmt"
	"strconv"
)

// StageID is the identity assigned to a stage when an engine takes ownership.
// IDs are dense and follow creation order, starting at 1.
type StageID uint32

// String returns the string representation of the StageID.
func (id StageID) String() string {
	return "s" + strconv.FormatUint(uint64(id), 10)
}

// Kind identifies the role of a stage in the graph.
type Kind string

const (
	KindSource      Kind = "source"
	KindSink        Kind = "sink"
	KindTransformer Kind = "transformer"
	KindFilter      Kind = "filter"
	KindMerge       Kind = "merge"
	KindCounter     Kind = "counter"
	KindCustom      Kind = "custom"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// Status is the outcome of a single tick.
type Status uint8

const (
	// Produced means at least one datum was emitted on some output port.
	Produced Status = iota
	// Idle means no data was available this tick.
	Idle
	// End means the stage will never emit again.
	End
	// Error terminates the run.
	Error
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case Produced:
		return "produced"
	case Idle:
		return "idle"
	case End:
		return "end"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// State is the lifecycle state of a stage.
type State int32

const (
	StateCreated State = iota
	StateWired
	StateRunning
	StateDraining
	StateStopped
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWired:
		return "wired"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Direction is the direction of a port relative to its stage.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Owner is the stage registry a stage is bound to. Connections are only
// allowed between stages of the same owner, and only while it is not frozen.
type Owner interface {
	// Frozen reports whether the topology can no longer change.
	Frozen() bool

	// Rewired is called after every successful connection.
	Rewired()
}

// Disposer is implemented by payloads that hold resources which must be
// released when the last owner of the payload drops it.
type Disposer interface {
	Dispose()
}
