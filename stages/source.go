package stages

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

// Source emits the values of a producer function on its "out" port.
//
// The producer returns io.EOF when exhausted, ErrIdle when nothing is
// available yet, and any other error to fail the run.
type Source[T any] struct {
	*core.BaseStage
	lifecycle

	out     *core.Out[T]
	produce func(ctx context.Context) (T, error)
	count   atomic.Uint64
}

// NewSource creates a source around produce.
func NewSource[T any](produce func(ctx context.Context) (T, error)) *Source[T] {
	s := &Source[T]{
		BaseStage: core.NewBaseStage(core.KindSource, ""),
		produce:   produce,
	}
	s.out = core.AddOutput[T](s.BaseStage, "out")
	return s
}

// NewSourceFunc creates a source around a producer that reports exhaustion
// with ok == false.
func NewSourceFunc[T any](next func() (T, bool)) *Source[T] {
	return NewSource(func(context.Context) (T, error) {
		v, ok := next()
		if !ok {
			var zero T
			return zero, io.EOF
		}
		return v, nil
	})
}

// FromSlice creates a source that emits items in order, then ends.
func FromSlice[T any](items ...T) *Source[T] {
	i := 0
	return NewSourceFunc(func() (T, bool) {
		if i >= len(items) {
			var zero T
			return zero, false
		}
		v := items[i]
		i++
		return v, true
	})
}

// Out returns the output port.
func (s *Source[T]) Out() *core.Out[T] {
	return s.out
}

// Get returns the number of emitted values.
func (s *Source[T]) Get() uint64 {
	return s.count.Load()
}

// Tick emits up to one batch of values.
func (s *Source[T]) Tick(ctx context.Context) (core.Status, error) {
	emitted := 0
	for emitted < s.BatchSize() && s.out.Ready() {
		v, err := s.produce(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return core.End, nil
		case errors.Is(err, ErrIdle):
			return statusOf(emitted), nil
		case err != nil:
			return core.Error, err
		}
		if err := s.out.Emit(v); err != nil {
			return core.Error, err
		}
		s.count.Add(1)
		emitted++
	}
	return statusOf(emitted), nil
}

func statusOf(emitted int) core.Status {
	if emitted > 0 {
		return core.Produced
	}
	return core.Idle
}

// ChannelSource emits values received from a channel without blocking.
// It ends when the channel is closed.
type ChannelSource[T any] struct {
	*core.BaseStage
	lifecycle

	out   *core.Out[T]
	ch    <-chan T
	count atomic.Uint64
}

// NewChannelSource creates a source reading from ch.
func NewChannelSource[T any](ch <-chan T) *ChannelSource[T] {
	s := &ChannelSource[T]{
		BaseStage: core.NewBaseStage(core.KindSource, "channel"),
		ch:        ch,
	}
	s.out = core.AddOutput[T](s.BaseStage, "out")
	return s
}

// Out returns the output port.
func (s *ChannelSource[T]) Out() *core.Out[T] {
	return s.out
}

// Get returns the number of emitted values.
func (s *ChannelSource[T]) Get() uint64 {
	return s.count.Load()
}

// Tick emits the values that are immediately available, up to one batch.
func (s *ChannelSource[T]) Tick(context.Context) (core.Status, error) {
	emitted := 0
	for emitted < s.BatchSize() && s.out.Ready() {
		select {
		case v, ok := <-s.ch:
			if !ok {
				return core.End, nil
			}
			if err := s.out.Emit(v); err != nil {
				return core.Error, err
			}
			s.count.Add(1)
			emitted++
		default:
			return statusOf(emitted), nil
		}
	}
	return statusOf(emitted), nil
}
