package stages

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

// Wildcard is the filter key that accepts every value.
const Wildcard = "*"

// Filter forwards the values whose key equals the configured key and
// releases the rest. The key is set with core.Parameterize and cannot
// change once the run started.
type Filter[T any] struct {
	*core.BaseStage
	lifecycle

	in    *core.In[T]
	out   *core.Out[T]
	keyOf func(T) string
	key   string
	count atomic.Uint64
	seen  atomic.Uint64
}

// NewFilter creates a filter matching keyOf(v) against the configured key.
func NewFilter[T any](keyOf func(T) string) *Filter[T] {
	f := &Filter[T]{
		BaseStage: core.NewBaseStage(core.KindFilter, ""),
		keyOf:     keyOf,
	}
	f.in = core.AddInput[T](f.BaseStage, "in")
	f.out = core.AddOutput[T](f.BaseStage, "out")
	return f
}

// NewStringFilter creates a filter matching whole strings.
func NewStringFilter() *Filter[string] {
	return NewFilter(func(s string) string { return s })
}

// NewRuneFilter creates a filter matching single characters.
func NewRuneFilter() *Filter[rune] {
	return NewFilter(func(r rune) string { return string(r) })
}

// In returns the input port.
func (f *Filter[T]) In() *core.In[T] {
	return f.in
}

// Out returns the output port.
func (f *Filter[T]) Out() *core.Out[T] {
	return f.out
}

// Get returns the number of forwarded values.
func (f *Filter[T]) Get() uint64 {
	return f.count.Load()
}

// Seen returns the number of inspected values.
func (f *Filter[T]) Seen() uint64 {
	return f.seen.Load()
}

// Configure sets the match key.
func (f *Filter[T]) Configure(key string) error {
	if key == "" {
		return errors.New("empty filter key")
	}
	f.key = key
	return nil
}

// Init fails when no key was configured.
func (f *Filter[T]) Init(context.Context) error {
	if _, ok := f.Key(); !ok {
		return fmt.Errorf("%w: filter %s has no key", core.ErrNotConfigured, f.Name())
	}
	return nil
}

// Match reports whether v passes the filter.
func (f *Filter[T]) Match(v T) bool {
	return f.key == Wildcard || f.keyOf(v) == f.key
}

// Tick inspects up to one batch of values.
func (f *Filter[T]) Tick(context.Context) (core.Status, error) {
	forwarded := 0
	for f.out.Ready() {
		d, ok := f.in.Pop()
		if !ok {
			break
		}
		f.seen.Add(1)
		if !f.Match(d.Value()) {
			d.Release()
			continue
		}
		if err := f.out.EmitDatum(d); err != nil {
			d.Release()
			return core.Error, err
		}
		f.count.Add(1)
		forwarded++
	}
	if forwarded > 0 {
		return core.Produced, nil
	}
	if f.in.Drained() {
		return core.End, nil
	}
	return core.Idle, nil
}

// Compile-time interface check.
var _ core.Configurable = (*Filter[string])(nil)
