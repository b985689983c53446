package core

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Stage is a node of a dataflow graph.
//
// The engine calls Init once before the first iteration, Tick once per
// iteration while the stage has not ended, and Finalize once during
// shutdown. Tick must not block; a stage without work returns Idle.
type Stage interface {
	// Base returns the shared stage bookkeeping.
	Base() *BaseStage

	// Init prepares the stage. The context is cancelled when the run shuts
	// down, so background helpers started here should observe it.
	Init(ctx context.Context) error

	// Tick performs one unit of work.
	Tick(ctx context.Context) (Status, error)

	// Finalize releases resources. It is best-effort.
	Finalize(ctx context.Context) error
}

// Configurable is implemented by stages that accept a parameter key.
type Configurable interface {
	Stage

	// Configure validates and applies key.
	Configure(key string) error
}

// BaseStage holds identity, ports and counters shared by every stage.
// Stage implementations embed a *BaseStage created by NewBaseStage.
type BaseStage struct {
	id      StageID
	owner   Owner
	name    string
	kind    Kind
	inputs  []InputPort
	outputs []OutputPort
	batch   int

	key   string
	keyed bool

	state    atomic.Int32
	consumed atomic.Uint64
	produced atomic.Uint64
	ticks    atomic.Uint64

	epoch uint64
}

// NewBaseStage creates bookkeeping for a stage of the given kind. The name
// defaults to the kind.
func NewBaseStage(kind Kind, name string) *BaseStage {
	if name == "" {
		name = string(kind)
	}
	return &BaseStage{kind: kind, name: name, batch: 1}
}

// Base returns b. It lets an embedding stage satisfy Stage.Base.
func (b *BaseStage) Base() *BaseStage { return b }

// ID returns the identity assigned by the engine (0 before binding).
func (b *BaseStage) ID() StageID { return b.id }

// Name returns the stage name.
func (b *BaseStage) Name() string { return b.name }

// SetName renames the stage. Names are informational.
func (b *BaseStage) SetName(name string) {
	if name != "" {
		b.name = name
	}
}

// Kind returns the stage kind.
func (b *BaseStage) Kind() Kind { return b.kind }

// Owner returns the registry the stage is bound to, or nil.
func (b *BaseStage) Owner() Owner { return b.owner }

// Bind assigns identity and ownership. A stage can be bound once.
func (b *BaseStage) Bind(id StageID, owner Owner) error {
	if b.owner != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, b.name)
	}
	b.id = id
	b.owner = owner
	return nil
}

// Inputs returns the input ports in declaration order.
func (b *BaseStage) Inputs() []InputPort { return b.inputs }

// Outputs returns the output ports in declaration order.
func (b *BaseStage) Outputs() []OutputPort { return b.outputs }

// Input returns the input port with the given name.
func (b *BaseStage) Input(name string) (InputPort, error) {
	for _, p := range b.inputs {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no input %q", ErrPortNotFound, b.name, name)
}

// Output returns the output port with the given name.
func (b *BaseStage) Output(name string) (OutputPort, error) {
	for _, p := range b.outputs {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no output %q", ErrPortNotFound, b.name, name)
}

// DefaultInput returns the first input without an upstream, falling back to
// the first input when all are connected.
func (b *BaseStage) DefaultInput() (InputPort, error) {
	if len(b.inputs) == 0 {
		return nil, fmt.Errorf("%w: %s has no inputs", ErrPortNotFound, b.name)
	}
	for _, p := range b.inputs {
		if p.Upstream() == nil {
			return p, nil
		}
	}
	return b.inputs[0], nil
}

// DefaultOutput returns the first output.
func (b *BaseStage) DefaultOutput() (OutputPort, error) {
	if len(b.outputs) == 0 {
		return nil, fmt.Errorf("%w: %s has no outputs", ErrPortNotFound, b.name)
	}
	return b.outputs[0], nil
}

// BatchSize returns how many data the stage may pop from each input per tick.
func (b *BaseStage) BatchSize() int { return b.batch }

// SetBatchSize changes the per-tick batch size. Values below 1 are ignored.
func (b *BaseStage) SetBatchSize(n int) {
	if n > 0 {
		b.batch = n
	}
}

// SetQueueCapacity changes the queue bound of every input. It has no
// effect once the stage is wired or when n is below 1.
func (b *BaseStage) SetQueueCapacity(n int) {
	if b.State() >= StateWired {
		return
	}
	for _, in := range b.inputs {
		in.setCapacity(n)
	}
}

// Key returns the parameter key and whether one was set.
func (b *BaseStage) Key() (string, bool) { return b.key, b.keyed }

// State returns the lifecycle state.
func (b *BaseStage) State() State { return State(b.state.Load()) }

// SetState moves the stage to s. The engine drives lifecycle transitions.
func (b *BaseStage) SetState(s State) { b.state.Store(int32(s)) }

// Consumed returns the number of data popped from all inputs.
func (b *BaseStage) Consumed() uint64 { return b.consumed.Load() }

// Produced returns the number of data emitted on all outputs.
func (b *BaseStage) Produced() uint64 { return b.produced.Load() }

// Ticks returns how many times the engine ticked the stage.
func (b *BaseStage) Ticks() uint64 { return b.ticks.Load() }

// BeginTick opens a new tick for the stage. Batch limits reset per tick.
func (b *BaseStage) BeginTick() {
	b.epoch++
	b.ticks.Add(1)
}

// InputsDrained reports whether every input is closed and empty. A stage
// without inputs is never drained.
func (b *BaseStage) InputsDrained() bool {
	if len(b.inputs) == 0 {
		return false
	}
	for _, p := range b.inputs {
		if !p.Drained() {
			return false
		}
	}
	return true
}

// CloseOutputs closes every output port.
func (b *BaseStage) CloseOutputs() {
	for _, p := range b.outputs {
		p.Close()
	}
}

// DiscardInputs releases every queued datum and returns how many there were.
func (b *BaseStage) DiscardInputs() int {
	n := 0
	for _, p := range b.inputs {
		n += p.discard()
	}
	return n
}

func (b *BaseStage) frozen() bool {
	if b.State() >= StateRunning {
		return true
	}
	return b.owner != nil && b.owner.Frozen()
}

func (b *BaseStage) markWired() {
	b.state.CompareAndSwap(int32(StateCreated), int32(StateWired))
}

func (b *BaseStage) String() string {
	return fmt.Sprintf("%s(%s)", b.name, b.id)
}
