package stages

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

// Merge joins n upstreams into one output. Values leave in the order they
// were delivered to the merge, which follows the engine's visitation order.
type Merge[T any] struct {
	*core.BaseStage
	lifecycle

	ins   []*core.In[T]
	out   *core.Out[T]
	count atomic.Uint64
}

// NewMerge creates a merge with inputs "in0" … "in<n-1>". n below 2 is
// raised to 2.
func NewMerge[T any](n int) *Merge[T] {
	if n < 2 {
		n = 2
	}
	m := &Merge[T]{BaseStage: core.NewBaseStage(core.KindMerge, "")}
	for i := 0; i < n; i++ {
		m.ins = append(m.ins, core.AddInput[T](m.BaseStage, fmt.Sprintf("in%d", i)))
	}
	m.out = core.AddOutput[T](m.BaseStage, "out")
	return m
}

// In returns input i.
func (m *Merge[T]) In(i int) *core.In[T] {
	return m.ins[i]
}

// Out returns the output port.
func (m *Merge[T]) Out() *core.Out[T] {
	return m.out
}

// Get returns the number of forwarded values.
func (m *Merge[T]) Get() uint64 {
	return m.count.Load()
}

// oldest returns the input holding the earliest delivered value.
func (m *Merge[T]) oldest() *core.In[T] {
	var (
		best  *core.In[T]
		stamp uint64
	)
	for _, in := range m.ins {
		meta, ok := in.Peek()
		if !ok {
			continue
		}
		if best == nil || meta.Delivered < stamp {
			best, stamp = in, meta.Delivered
		}
	}
	return best
}

// Tick forwards values oldest first. It stops when the oldest value cannot
// be taken this tick, so the output order never skips ahead.
func (m *Merge[T]) Tick(context.Context) (core.Status, error) {
	forwarded := 0
	for m.out.Ready() {
		in := m.oldest()
		if in == nil {
			break
		}
		d, ok := in.Pop()
		if !ok {
			break
		}
		if err := m.out.EmitDatum(d); err != nil {
			d.Release()
			return core.Error, err
		}
		m.count.Add(1)
		forwarded++
	}
	if forwarded > 0 {
		return core.Produced, nil
	}
	if m.InputsDrained() {
		return core.End, nil
	}
	return core.Idle, nil
}

// Counter forwards every value unchanged and counts them.
type Counter[T any] struct {
	*core.BaseStage
	lifecycle

	in    *core.In[T]
	out   *core.Out[T]
	count atomic.Uint64
}

// NewCounter creates a pass-through counter.
func NewCounter[T any]() *Counter[T] {
	c := &Counter[T]{BaseStage: core.NewBaseStage(core.KindCounter, "")}
	c.in = core.AddInput[T](c.BaseStage, "in")
	c.out = core.AddOutput[T](c.BaseStage, "out")
	return c
}

// In returns the input port.
func (c *Counter[T]) In() *core.In[T] {
	return c.in
}

// Out returns the output port.
func (c *Counter[T]) Out() *core.Out[T] {
	return c.out
}

// Get returns the number of forwarded values.
func (c *Counter[T]) Get() uint64 {
	return c.count.Load()
}

// Tick forwards up to one batch of values.
func (c *Counter[T]) Tick(context.Context) (core.Status, error) {
	forwarded := 0
	for c.out.Ready() {
		d, ok := c.in.Pop()
		if !ok {
			break
		}
		if err := c.out.EmitDatum(d); err != nil {
			d.Release()
			return core.Error, err
		}
		c.count.Add(1)
		forwarded++
	}
	if forwarded > 0 {
		return core.Produced, nil
	}
	if c.in.Drained() {
		return core.End, nil
	}
	return core.Idle, nil
}

// Compile-time interface checks.
var (
	_ core.Stage = (*Merge[int])(nil)
	_ core.Stage = (*Counter[int])(nil)
)
