package stages

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

// Feed is a source fed from other goroutines. Background helpers call Push
// and Close; Tick drains the internal queue without blocking.
type Feed[T any] struct {
	*core.BaseStage

	out   *core.Out[T]
	run   func(ctx context.Context, push func(T)) error
	count atomic.Uint64

	mu     sync.Mutex
	queue  []T
	closed bool
	err    error

	wg sync.WaitGroup
}

// NewFeed creates a feed filled by explicit Push calls.
func NewFeed[T any]() *Feed[T] {
	f := &Feed[T]{BaseStage: core.NewBaseStage(core.KindSource, "feed")}
	f.out = core.AddOutput[T](f.BaseStage, "out")
	return f
}

// NewFeedFunc creates a feed whose helper runs on its own goroutine from
// Init until it returns or the run context is cancelled. The feed closes
// when the helper returns; a helper error fails the next tick.
func NewFeedFunc[T any](run func(ctx context.Context, push func(T)) error) *Feed[T] {
	f := NewFeed[T]()
	f.run = run
	return f
}

// Out returns the output port.
func (f *Feed[T]) Out() *core.Out[T] {
	return f.out
}

// Get returns the number of emitted values.
func (f *Feed[T]) Get() uint64 {
	return f.count.Load()
}

// Push queues v. It reports false once the feed is closed.
func (f *Feed[T]) Push(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.queue = append(f.queue, v)
	return true
}

// Close marks the feed exhausted. Queued values are still emitted.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *Feed[T]) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.closed = true
	f.mu.Unlock()
}

// Init starts the helper, if any.
func (f *Feed[T]) Init(ctx context.Context) error {
	if f.run == nil {
		return nil
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.run(ctx, func(v T) { f.Push(v) }); err != nil && ctx.Err() == nil {
			f.fail(err)
			return
		}
		f.Close()
	}()
	return nil
}

// Tick emits queued values, up to one batch.
func (f *Feed[T]) Tick(context.Context) (core.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return core.Error, f.err
	}
	emitted := 0
	for emitted < f.BatchSize() && len(f.queue) > 0 && f.out.Ready() {
		var zero T
		v := f.queue[0]
		f.queue[0] = zero
		f.queue = f.queue[1:]
		if err := f.out.Emit(v); err != nil {
			return core.Error, err
		}
		f.count.Add(1)
		emitted++
	}
	if emitted == 0 && f.closed && len(f.queue) == 0 {
		return core.End, nil
	}
	return statusOf(emitted), nil
}

// Finalize closes the feed and waits for the helper to exit. The helper
// is expected to observe the cancelled run context.
func (f *Feed[T]) Finalize(context.Context) error {
	f.Close()
	f.wg.Wait()
	return nil
}
